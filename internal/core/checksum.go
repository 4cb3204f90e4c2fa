package core

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// ComputeChecksum returns the lowercase hex SHA-256 digest of data.
func ComputeChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether expected is the checksum of data.
// An empty expected value never verifies.
func VerifyChecksum(expected string, data []byte) bool {
	return ChecksumEqual(expected, ComputeChecksum(data))
}

// ChecksumEqual compares a client-supplied checksum against a stored one in
// constant time. The match is exact; either side being empty is a mismatch.
func ChecksumEqual(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
