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

	"github.com/MarcoPoloResearchLab/tableledger/internal/auth"
	"github.com/MarcoPoloResearchLab/tableledger/internal/config"
	"github.com/MarcoPoloResearchLab/tableledger/internal/decay"
	"github.com/MarcoPoloResearchLab/tableledger/internal/logging"
	"github.com/MarcoPoloResearchLab/tableledger/internal/server"
	"github.com/MarcoPoloResearchLab/tableledger/internal/signup"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tableledger",
		Short: "Table signups and honor ledger",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}
	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newDecayCommand(), newTableCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Bool("database-tracing", defaults.GetBool("database.tracing"), "Enable OpenTelemetry tracing of queries")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("append-strategy", defaults.GetString("ledger.append_strategy"), "Ledger append strategy (upsert, catch_reread)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.tracing", "database-tracing")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "ledger.append_strategy", "append-strategy")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// bootstrap loads configuration, builds the logger and opens the database.
func bootstrap(validate func(config.AppConfig) error) (*application, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	if validate != nil {
		if err := validate(appConfig); err != nil {
			return nil, nil, err
		}
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	app, err := newApplication(appConfig, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		app.close()
		_ = logger.Sync()
	}
	return app, cleanup, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	app, cleanup, err := bootstrap(config.AppConfig.ValidateServe)
	if err != nil {
		return err
	}
	defer cleanup()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(app.config.Session.SigningSecret),
		Issuer:        app.config.Session.Issuer,
		CookieName:    app.config.Session.CookieName,
	})
	if err != nil {
		return err
	}
	dispatcher := server.NewRealtimeDispatcher()
	rules, err := app.newRuleEngine(dispatcher)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Users:            app.users,
		Signup:           app.signup,
		Rules:            rules,
		Honor:            app.honor,
		Realtime:         dispatcher,
		MetricsHandler:   promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
		Logger:           app.logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newDecayCommand() *cobra.Command {
	var (
		year   int
		month  int
		points int64
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Apply inactivity decay for a calendar month",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := bootstrap(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			batch, lock, err := app.newDecayBatch()
			if err != nil {
				return err
			}
			period := decay.PreviousPeriod(time.Now(), batch.Location())
			if year != 0 || month != 0 {
				period, err = decay.NewPeriod(year, month)
				if err != nil {
					return err
				}
			}
			options := decay.Options{DryRun: dryRun}
			if cmd.Flags().Changed("points") {
				options.PointsDelta = &points
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			report, err := batch.RunExclusive(signalCtx, lock, period, options)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "period=%s dry_run=%t points=%d candidates=%d applied=%d refreshed=%d failed_chunks=%d\n",
				report.Period, report.DryRun, report.Points, len(report.Candidates), report.Applied, report.Refreshed, report.FailedChunks)
			if report.DryRun {
				for _, userID := range report.Candidates {
					fmt.Fprintln(out, userID)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "Year of the period (defaults to the previous month)")
	cmd.Flags().IntVar(&month, "month", 0, "Month of the period, 1-12")
	cmd.Flags().Int64Var(&points, "points", 0, "Override the configured decay points")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List candidates without writing")
	return cmd
}

func newTableCommand() *cobra.Command {
	tableCmd := &cobra.Command{
		Use:   "table",
		Short: "Manage game tables",
	}
	var (
		owner    string
		title    string
		capacity int
		opens    string
		closes   string
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a table and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := signup.TableSpec{OwnerID: owner, Title: title, Capacity: capacity}
			var err error
			if spec.OpensAt, err = parseOptionalTime(opens); err != nil {
				return fmt.Errorf("--opens: %w", err)
			}
			if spec.ClosesAt, err = parseOptionalTime(closes); err != nil {
				return fmt.Errorf("--closes: %w", err)
			}

			app, cleanup, err := bootstrap(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			table, err := app.signup.RegisterTable(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), table.ID)
			return nil
		},
	}
	createCmd.Flags().StringVar(&owner, "owner", "", "Owner user id")
	createCmd.Flags().StringVar(&title, "title", "", "Table title")
	createCmd.Flags().IntVar(&capacity, "capacity", 0, "Seats counted toward capacity")
	createCmd.Flags().StringVar(&opens, "opens", "", "Signup window start (RFC3339)")
	createCmd.Flags().StringVar(&closes, "closes", "", "Signup window end (RFC3339)")
	_ = createCmd.MarkFlagRequired("owner")
	_ = createCmd.MarkFlagRequired("capacity")
	tableCmd.AddCommand(createCmd)
	return tableCmd
}

func parseOptionalTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
