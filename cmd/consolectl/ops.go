package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"assistantconsole/internal/auth"
	"assistantconsole/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the subscription database schema",
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", envOr("DATABASE_URL", ""), "subscription database URL")

	run := func(apply func(cmd *cobra.Command, h *dbHandle) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				return fmt.Errorf("--database-url (or DATABASE_URL) is required")
			}
			h, err := openDB(cmd, databaseURL)
			if err != nil {
				return err
			}
			defer h.close()
			return apply(cmd, h)
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, h *dbHandle) error {
			if err := db.RunMigrations(commandContext(cmd), h.sql); err != nil {
				return fmt.Errorf("applying migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		}),
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, h *dbHandle) error {
			return db.MigrationStatus(commandContext(cmd), h.sql, cmd.OutOrStdout())
		}),
	}

	cmd.AddCommand(up, status)
	return cmd
}

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin API helpers",
	}

	var key string
	hashKey := &cobra.Command{
		Use:     "hash-key",
		Short:   "Print the bcrypt hash to store in ADMIN_KEY_HASH",
		Long:    `Hash an admin API key. The key is read from --key or, when omitted, from the first line of stdin.`,
		Example: `  openssl rand -hex 32 | tee admin.key | consolectl admin hash-key`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				read, err := readKey(cmd)
				if err != nil {
					return err
				}
				key = read
			}
			if key == "" {
				return fmt.Errorf("admin key must not be empty")
			}
			hash, err := auth.HashAdminKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	hashKey.Flags().StringVar(&key, "key", "", "admin key to hash")

	cmd.AddCommand(hashKey)
	return cmd
}

// readKey prompts without echo on a terminal and otherwise reads the first
// line of stdin.
func readKey(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Admin key: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading key from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
