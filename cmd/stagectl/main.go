// main.go sets up the stagectl command-line interface with Cobra. stagectl
// drives the same import service as the HTTP server against the configured
// staging backend, so an import staged from the shell can be previewed and
// committed from the browser and the other way round.

package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JonMunkholm/stagedimport/internal/backend"
	"github.com/JonMunkholm/stagedimport/internal/config"
	"github.com/JonMunkholm/stagedimport/internal/core"
	"github.com/JonMunkholm/stagedimport/internal/logging"
	"github.com/JonMunkholm/stagedimport/internal/schema"
)

var version = "dev" // set by the linker

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if err := NewRootCmd().Execute(); err != nil {
		// Cobra has already printed the error.
		os.Exit(1)
	}
}

// overrides maps viper keys to the flag that sets them and the config field
// they replace.
var overrides = []struct {
	key   string
	flag  string
	usage string
	apply func(*config.Config, string)
}{
	{"staging.backend", "staging-backend", "staging backend (memory, fs, sqlite)", func(c *config.Config, v string) { c.Staging.Backend = v }},
	{"staging.dir", "staging-dir", "directory of the fs staging backend", func(c *config.Config, v string) { c.Staging.Dir = v }},
	{"staging.sqlite_path", "staging-sqlite-path", "database file of the sqlite staging backend", func(c *config.Config, v string) { c.Staging.SQLitePath = v }},
	{"schema.path", "schema", "import schema file (YAML)", func(c *config.Config, v string) { c.Schema.Path = v }},
	{"lock.backend", "lock-backend", "commit lock backend (memory, postgres)", func(c *config.Config, v string) { c.Lock.Backend = v }},
	{"commit.persist", "persist", "persistence backend (postgres, none)", func(c *config.Config, v string) { c.Commit.Persist = v }},
	{"database.url", "database-url", "PostgreSQL connection URL", func(c *config.Config, v string) { c.Database.URL = v }},
	{"logging.level", "log-level", "log level (debug, info, warn, error)", func(c *config.Config, v string) { c.Logging.Level = v }},
}

// NewRootCmd builds a fresh command tree with its own viper instance so tests
// can run commands in isolation.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "stagectl",
		Short: "Stage, preview and commit CSV imports",
		Long: `stagectl runs the staged import workflow from the shell.

A file is parsed and validated by "stage", which prints the import id and
checksum. "preview" pages through the staged rows, and "commit" writes the
valid rows once the checksum is confirmed.

Settings come from the environment (see .env), then an optional YAML file
given with --config, then flags.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				return nil
			}
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return errors.Wrapf(err, "read config %s", cfgFile)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML file with overrides, keyed like staging.backend")
	for _, o := range overrides {
		cmd.PersistentFlags().String(o.flag, "", o.usage)
		_ = v.BindPFlag(o.key, cmd.PersistentFlags().Lookup(o.flag))
	}
	v.SetEnvPrefix("STAGECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(
		newStageCmd(v),
		newPreviewCmd(v),
		newCommitCmd(v),
		newShowCmd(v),
		newVersionCmd(),
	)
	return cmd
}

// app is one resolved service for the duration of a command.
type app struct {
	cfg     *config.Config
	def     *schema.Definition
	set     *backend.Set
	service *core.Service
}

func (a *app) Close() error {
	return a.set.Close()
}

// loadConfig reads the environment, then applies file and flag overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if val := v.GetString(o.key); val != "" {
			o.apply(cfg, val)
		}
	}
	return cfg, nil
}

// openApp resolves the backends for a command. Commands that never write to
// the system of record run without persistence when no database is
// configured.
func openApp(cmd *cobra.Command, v *viper.Viper, persists bool) (*app, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	if !persists && cfg.Database.URL == "" && cfg.Commit.Persist == config.PersistPostgres {
		cfg.Commit.Persist = config.PersistNone
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)

	def, err := backend.LoadSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}
	set, err := backend.Open(cmd.Context(), cfg, def, logger)
	if err != nil {
		return nil, err
	}
	service, err := set.Service(cfg, def, logger)
	if err != nil {
		set.Close()
		return nil, err
	}
	return &app{cfg: cfg, def: def, set: set, service: service}, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describe turns a service error into the message shown to the user,
// keeping the support code for reference. Errors without a specific support
// code are returned unchanged so the cause stays visible.
func describe(err error) error {
	if !core.IsUserFacing(err) {
		return err
	}
	return errors.New(core.FormatUserError(err))
}
