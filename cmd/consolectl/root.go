package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"assistantconsole/internal/config"
	"assistantconsole/internal/usage"
)

// errDenied is returned by check when the action is refused, so scripts can
// branch on the exit status.
var errDenied = errors.New("action denied")

type rootOptions struct {
	storePath string
	timezone  string
	verbose   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "consolectl",
		Short:         "Assistant console plan and usage tool",
		Long:          `Inspect the plan catalog and local usage counters, check entitlement decisions, and manage the subscription database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.storePath, "store", envOr("USAGE_STORE_PATH", "usage.db"), "path to the local usage counter database")
	root.PersistentFlags().StringVar(&opts.timezone, "tz", envOr("USAGE_TIMEZONE", "Local"), "IANA zone that defines the counters' calendar day")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newVersionCmd(),
		newPlansCmd(),
		newUsageCmd(opts),
		newCheckCmd(opts),
		newMigrateCmd(),
		newAdminCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := config.NewBuildInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "consolectl %s (%s, built %s)\n", info.Version, info.Commit, info.BuildTime)
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openStore opens the usage counter store. The caller closes the returned
// closer.
func (o *rootOptions) openStore(cmd *cobra.Command) (*usage.Store, func() error, error) {
	loc, err := config.UsageConfig{StorePath: o.storePath, Timezone: o.timezone}.Location()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --tz %q: %w", o.timezone, err)
	}
	kv, err := usage.OpenSQLiteKV(o.storePath)
	if err != nil {
		return nil, nil, err
	}
	store := usage.NewStore(kv, usage.WithLocation(loc), usage.WithLogger(o.logger(cmd)))
	return store, kv.Close, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
