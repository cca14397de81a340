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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-sync/internal/auth"
	"github.com/example/ride-sync/internal/backend"
	"github.com/example/ride-sync/internal/client"
	"github.com/example/ride-sync/internal/config"
	"github.com/example/ride-sync/internal/conn"
	"github.com/example/ride-sync/internal/logging"
	"github.com/example/ride-sync/internal/models"
)

var (
	serverURL string
	token     string
	logLevel  string

	tokenSecret string
	tokenRole   string
	tokenID     string
	tokenTTL    time.Duration

	rootCmd = &cobra.Command{
		Use:          "rideclient",
		Short:        "Rider and driver client for the ride-sync backend",
		SilenceUsage: true,
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token signed with the server secret",
		RunE:  runToken,
	}

	driverCmd = &cobra.Command{
		Use:   "driver",
		Short: "Run an interactive driver session (reads commands from stdin)",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runSession(cmd, models.RoleDriver) },
	}

	riderCmd = &cobra.Command{
		Use:   "rider",
		Short: "Run an interactive rider session (reads commands from stdin)",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runSession(cmd, models.RoleRider) },
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "backend base URL (overrides RIDE_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (overrides RIDE_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "rider", "rider or driver")
	tokenCmd.Flags().StringVar(&tokenID, "id", "", "user id")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("id")

	rootCmd.AddCommand(tokenCmd, driverCmd, riderCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runToken(cmd *cobra.Command, _ []string) error {
	if tokenSecret == "" {
		return fmt.Errorf("--secret or JWT_SECRET is required")
	}
	role := models.Role(tokenRole)
	if role != models.RoleRider && role != models.RoleDriver {
		return fmt.Errorf("unknown role %q", tokenRole)
	}
	tok, err := auth.NewTokens(tokenSecret).Issue(models.Identity{Role: role, ID: tokenID}, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}

func runSession(cmd *cobra.Command, role models.Role) error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if token != "" {
		cfg.Token = token
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.Token == "" {
		return fmt.Errorf("a token is required (--token or RIDE_TOKEN)")
	}
	id, err := auth.Peek(cfg.Token)
	if err != nil {
		return err
	}
	if id.Role != role {
		return fmt.Errorf("token is for a %s, not a %s", id.Role, role)
	}

	logger := logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel)
	out := newPrinter(cmd.OutOrStdout())

	mgr := conn.New(conn.Config{
		URL:     cfg.WSURL(),
		Header:  func() http.Header { return auth.Header(cfg.Token) },
		Backoff: conn.Backoff{Base: cfg.ReconnectBase, Max: cfg.ReconnectMax, Attempts: cfg.ReconnectAttempts},
		Logger:  logging.Component(logger, "conn"),
	})
	sess := client.New(client.Config{
		Identity:          id,
		Transport:         mgr,
		API:               backend.New(cfg.ServerURL, cfg.Token),
		Logger:            logging.Component(logger, "session"),
		OnUpdate:          out.update,
		SweepInterval:     cfg.SweepInterval,
		ExpiringSoon:      cfg.ExpiringSoon,
		AcceptTimeout:     cfg.AcceptTimeout,
		MaxRequery:        cfg.MaxRequery,
		ReconcileInterval: cfg.ReconcileInterval,
		LocationInterval:  cfg.LocationInterval,
		LocationDistanceM: cfg.LocationDistanceM,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(gctx) })
	g.Go(func() error {
		r := &repl{cmds: sess, role: role, out: out}
		err := r.run(gctx, cmd.InOrStdin())
		// end of input ends the session
		stop()
		return err
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
