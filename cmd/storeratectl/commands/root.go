// Package commands implements the storeratectl operator tool.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Clark-Hu/store-rater/internal/logging"
	"github.com/Clark-Hu/store-rater/internal/store"
)

type globalOptions struct {
	envFile    string
	dbURL      string
	redisURL   string
	verbose    bool
	jsonOutput bool
}

// NewRootCommand builds the storeratectl command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "storeratectl",
		Short: "Operator tool for the store rating service",
		Long: `storeratectl applies the database schema and repairs store rating
summaries outside the HTTP service.

Connection settings come from flags, then from DB_URL and REDIS_URL in the
environment or the env file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.envFile == "" {
				return nil
			}
			if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("read %s: %w", opts.envFile, err)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to read before resolving settings")
	root.PersistentFlags().StringVar(&opts.dbURL, "db", "", "database URL (defaults to DB_URL)")
	root.PersistentFlags().StringVar(&opts.redisURL, "redis", "", "Redis URL used to drop cached stores (defaults to REDIS_URL)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(newMigrateCommand(opts), newReconcileCommand(opts))
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *globalOptions) resolveDBURL() (string, error) {
	if o.dbURL != "" {
		return o.dbURL, nil
	}
	if v := os.Getenv("DB_URL"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("database URL is required: pass --db or set DB_URL")
}

func (o *globalOptions) resolveRedisURL() string {
	if o.redisURL != "" {
		return o.redisURL
	}
	return os.Getenv("REDIS_URL")
}

func (o *globalOptions) logger() (*zap.Logger, error) {
	level := "warn"
	if o.verbose {
		level = "debug"
	}
	return logging.New(logging.Options{Level: level, ServiceName: "storeratectl"})
}

func (o *globalOptions) openStore(ctx context.Context, logger *zap.Logger) (*store.Store, error) {
	dbURL, err := o.resolveDBURL()
	if err != nil {
		return nil, err
	}
	return store.New(ctx, dbURL, store.Options{MaxConns: 4, StatementCacheCapacity: -1, Logger: logger})
}
