package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/ehr/vaxstatus/internal/domain/facts"
	"github.com/ehr/vaxstatus/internal/domain/statusupdater"
	"github.com/ehr/vaxstatus/internal/platform/db"
	"github.com/ehr/vaxstatus/internal/platform/middleware"
	"github.com/ehr/vaxstatus/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "vaxstatus",
		Short:        "Patient vaccination status engine",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(schemaCmd())
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ops HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, redisOptional)
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.startNotifier(ctx)()
			return runServer(ctx, a)
		},
	}
}

func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	if a.cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout, "/health", "/metrics"))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, db.NewMigrator(a.pool, migrations.FS), a.cfg.DBSchema))
	e.GET("/metrics", a.metrics.PrometheusHandler())

	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: a.cfg.RateLimitRPS,
			BurstSize:         a.cfg.RateLimitBurst,
		}),
		db.ConnMiddleware(a.pool),
	)
	statusupdater.NewHandler(a.updater, a.store, a.enqueuer()).RegisterRoutes(apiV1)
	return e
}

func runServer(ctx context.Context, a *app) error {
	e := newServer(a)
	go a.reportPoolStats(ctx, 15*time.Second)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume recompute jobs and reconcile periodically",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, redisRequired)
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.startNotifier(ctx)()
			go a.reportPoolStats(ctx, 15*time.Second)
			return a.newWorker().Start(ctx)
		},
	}
}

func reconcileCmd() *cobra.Command {
	var (
		patients []string
		years    []int
		resume   bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute cached statuses now",
		Long: "Recompute cached statuses for the given patients, or for every patient.\n" +
			"A full run records its position in Redis; --resume continues an interrupted run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parsePatientIDs(patients)
			if err != nil {
				return err
			}
			ays, err := parseAcademicYears(years)
			if err != nil {
				return err
			}
			if resume && len(ids) > 0 {
				return fmt.Errorf("--resume cannot be combined with --patient")
			}

			ctx, stop := signalContext()
			defer stop()

			mode := redisOptional
			if resume {
				mode = redisRequired
			}
			a, err := newApp(ctx, mode)
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.startNotifier(ctx)()

			var res statusupdater.ApplyResult
			switch {
			case len(ids) > 0:
				res, err = a.updater.Run(ctx, statusupdater.Scope{PatientIDs: ids, AcademicYears: ays}, nil)
			case a.cursor != nil:
				if !resume {
					if err := a.cursor.Clear(ctx); err != nil {
						return err
					}
				}
				res, err = a.newWorker().Reconcile(ctx, ays)
			default:
				res, err = a.updater.Run(ctx, statusupdater.Scope{AcademicYears: ays}, nil)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recomputed %d patient(s): %d row(s) written, %d vaccinated change(s).\n",
				res.Patients, res.Written(), len(res.VaccinatedChanges))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&patients, "patient", nil, "Patient id to recompute (repeatable)")
	cmd.Flags().IntSliceVar(&years, "academic-year", nil, "Academic year to recompute (repeatable, default current and previous)")
	cmd.Flags().BoolVar(&resume, "resume", false, "Continue an interrupted full reconcile")
	return cmd
}

func parsePatientIDs(in []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(in))
	for _, s := range in {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid --patient %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseAcademicYears(in []int) ([]facts.AcademicYear, error) {
	out := make([]facts.AcademicYear, 0, len(in))
	for _, y := range in {
		if y < 1900 || y > 9999 {
			return nil, fmt.Errorf("invalid --academic-year %d", y)
		}
		out = append(out, facts.AcademicYear(y))
	}
	return out, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations and seed the programme catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, _ := cmd.Flags().GetBool("seed")

			ctx := context.Background()
			a, err := newApp(ctx, redisOff)
			if err != nil {
				return err
			}
			defer a.Close()

			schema := schemaFlag(cmd, a)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(a.pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)

			switch {
			case !seed:
			case schema != a.cfg.DBSchema:
				fmt.Fprintf(cmd.OutOrStdout(), "Skipping seed: set DB_SCHEMA=%s to seed this schema.\n", schema)
			default:
				if err := a.factsService().SeedProgrammes(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Programme catalogue seeded.")
			}
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	upCmd.Flags().Bool("seed", true, "Seed the default programme catalogue")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, redisOff)
			if err != nil {
				return err
			}
			defer a.Close()

			schema := schemaFlag(cmd, a)
			statuses, err := db.NewMigrator(a.pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.Drifted {
						status = "drifted"
					}
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schemaFlag(cmd *cobra.Command, a *app) string {
	if s, _ := cmd.Flags().GetString("schema"); s != "" {
		return s
	}
	return a.cfg.DBSchema
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage database schemas",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schema and apply every migration to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidSchema(name) {
				return fmt.Errorf("invalid schema name: %s", name)
			}

			ctx := context.Background()
			a, err := newApp(ctx, redisOff)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating schema: %s\n", name)
			if err := db.CreateSchema(ctx, a.pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema created. Point DB_SCHEMA=%s at it to use it.\n", name)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Schema name")

	cmd.AddCommand(createCmd)
	return cmd
}
