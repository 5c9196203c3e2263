package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/neuroclinic/clinic/internal/config"
	"github.com/neuroclinic/clinic/internal/domain/doctor"
	"github.com/neuroclinic/clinic/internal/platform/auth"
	"github.com/neuroclinic/clinic/internal/platform/db"
	"github.com/neuroclinic/clinic/internal/platform/events"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic treatment lifecycle API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(outboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir := migrationsDir(cmd, cfg)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) from %s.\n", count, dir)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsDir(cmd, cfg)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.MigrationsDir
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the administrator account",
	}

	bootstrapCmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the administrator account if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			email, _ := cmd.Flags().GetString("email")
			if email == "" {
				email = cfg.AdminEmail
			}
			password := cfg.AdminPassword
			if email == "" || password == "" {
				return fmt.Errorf("ADMIN_EMAIL (or --email) and ADMIN_PASSWORD are required")
			}

			logger := newLogger(cfg)
			ctx := logger.WithContext(context.Background())
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := doctor.NewService(doctor.NewDoctorRepoPG(pool), auth.NewPasswordHasher(auth.DefaultHashParams()))
			admin, created, err := svc.BootstrapAdmin(ctx, email, password)
			if err != nil {
				return fmt.Errorf("bootstrap admin: %w", err)
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Administrator %s created.\n", admin.Email)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Administrator %s already exists.\n", admin.Email)
			}
			return nil
		},
	}
	bootstrapCmd.Flags().String("email", "", "Administrator email (default ADMIN_EMAIL)")
	cmd.AddCommand(bootstrapCmd)

	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Operate the lifecycle event outbox",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "relay",
		Short: "Publish pending events to Kafka until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.EventsEnabled() {
				return fmt.Errorf("KAFKA_BROKERS and KAFKA_TOPIC are required")
			}
			logger := newLogger(cfg)

			ctx, stop := signalContext()
			defer stop()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			pub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
			if err != nil {
				return err
			}
			defer pub.Close()

			relay := events.NewRelay(events.NewOutbox(pool), pub, events.DefaultRelayConfig(), logger)
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the number of unpublished events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := events.NewOutbox(pool).PendingCount(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d pending event(s)\n", n)
			return nil
		},
	})

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete published events older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			retention, _ := cmd.Flags().GetDuration("retention")
			if retention <= 0 {
				return fmt.Errorf("--retention must be positive")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := events.NewOutbox(pool).Purge(ctx, retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d published event(s).\n", n)
			return nil
		},
	}
	purgeCmd.Flags().Duration("retention", 30*24*time.Hour, "Keep published events newer than this")
	cmd.AddCommand(purgeCmd)

	return cmd
}
