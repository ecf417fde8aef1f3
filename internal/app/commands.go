package app

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/studycircle/studycircle-hub/config"
	"github.com/studycircle/studycircle-hub/internal/domain/shared"
	"github.com/studycircle/studycircle-hub/internal/infrastructure/persistence/postgres"
	httpapi "github.com/studycircle/studycircle-hub/internal/interface/http"
)

// MigrateCommand returns the "migrate" command tree shared by both binaries.
func MigrateCommand() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
		Long: `Apply, roll back or inspect the embedded schema migrations.

Available subcommands:
  up     - Apply every pending migration
  down   - Roll back the most recent migration
  status - List migrations and when they were applied`,
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *postgres.Migrator) error {
				applied, err := m.Migrate(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
				return nil
			})
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *postgres.Migrator) error {
				if err := m.Rollback(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back")
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *postgres.Migrator) error {
				migrations, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED AT")
				for _, mig := range migrations {
					applied := "pending"
					if mig.IsApplied {
						applied = mig.AppliedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\n", mig.Version, mig.Name, applied)
				}
				return w.Flush()
			})
		},
	}

	migrateCmd.AddCommand(upCmd, downCmd, statusCmd)
	return migrateCmd
}

// migrate only needs the database settings, so it skips the full Load
// validation that would demand auth and ledger secrets.
func withMigrator(cmd *cobra.Command, fn func(*postgres.Migrator) error) error {
	appConfig := config.LoadAppConfig()
	log := NewLogger(appConfig)
	defer func() { _ = log.Sync() }()

	conn, err := OpenDatabase(cmd.Context(), config.LoadDatabaseConfig(), log)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(postgres.NewMigrator(conn))
}

// TokenCommand returns the "token" command that mints a bearer token for
// an account, signed with the configured secret.
func TokenCommand() *cobra.Command {
	var ttl time.Duration

	tokenCmd := &cobra.Command{
		Use:   "token <account>",
		Short: "Issue a bearer token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := shared.NewAccountID(args[0])
			if err != nil {
				return err
			}
			authConfig := AuthConfigFrom(config.LoadAuthConfig())
			if ttl > 0 {
				authConfig.TokenTTL = ttl
			}
			auth, err := httpapi.NewAuthenticator(authConfig)
			if err != nil {
				return err
			}
			token, err := auth.Issue(account)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: AUTH_TOKEN_TTL)")
	return tokenCmd
}
