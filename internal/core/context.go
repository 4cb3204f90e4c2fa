package core

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	ctxKeyClientIP  contextKey = "client_ip"
	ctxKeyUserAgent contextKey = "client_ua"
)

// ContextWithClient records who made the request so stage and commit log
// lines can name the caller.
func ContextWithClient(ctx context.Context, ip, userAgent string) context.Context {
	if ip != "" {
		ctx = context.WithValue(ctx, ctxKeyClientIP, ip)
	}
	if userAgent != "" {
		ctx = context.WithValue(ctx, ctxKeyUserAgent, userAgent)
	}
	return ctx
}

// ClientFromContext returns the caller recorded by ContextWithClient.
func ClientFromContext(ctx context.Context) (ip, userAgent string) {
	ip, _ = ctx.Value(ctxKeyClientIP).(string)
	userAgent, _ = ctx.Value(ctxKeyUserAgent).(string)
	return ip, userAgent
}

// clientAttrs returns the caller as log attributes; empty when unknown.
func clientAttrs(ctx context.Context) []any {
	ip, ua := ClientFromContext(ctx)
	var attrs []any
	if ip != "" {
		attrs = append(attrs, slog.String("client_ip", ip))
	}
	if ua != "" {
		attrs = append(attrs, slog.String("user_agent", ua))
	}
	return attrs
}
