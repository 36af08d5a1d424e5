package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/damaface/consultoria/internal/app"
	"github.com/damaface/consultoria/internal/config"
	"github.com/damaface/consultoria/internal/content"
	"github.com/damaface/consultoria/internal/cooldown"
	"github.com/damaface/consultoria/internal/logger"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "damaface: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func rootCmd() *cobra.Command {
	var g globalFlags
	cmd := &cobra.Command{
		Use:           "damaface",
		Short:         "DamaFace consultation backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (env vars override it)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format override (text, json)")

	cmd.AddCommand(serveCmd(&g), blogMetaCmd(), cooldownCmd(&g))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "damaface version %s (build: %s)\n", Version, BuildTime)
		},
	})
	return cmd
}

func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.LoadFile(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the consultation HTTP and signaling server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			return serve(cfg)
		},
	}
}

func serve(cfg config.Config) error {
	log := logger.Component("main")

	built, err := app.Build(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.WithError(err).Warn("cleanup failed")
		}
	}()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, 2*time.Second)
	built.Service.StartJanitor(runCtx, 5*time.Second)

	scheduler := cron.New()
	if _, err := app.ScheduleHistoryPrune(scheduler, built.Service, cfg.HistoryPruneSchedule, cfg.HistoryRetention); err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("listen error: %w", err)
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}
	log.Info("shutdown complete")
	return nil
}

func blogMetaCmd() *cobra.Command {
	var (
		file      string
		markdown  bool
		published string
	)
	cmd := &cobra.Command{
		Use:   "blog-meta",
		Short: "Print reading time and relative publish date for a post body",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
				if !cmd.Flags().Changed("markdown") {
					markdown = strings.HasSuffix(strings.ToLower(file), ".md")
				}
			}
			body, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			now := time.Now()
			publishedAt := now
			if published != "" {
				publishedAt, err = parseDate(published)
				if err != nil {
					return err
				}
			}
			meta, err := content.DescribePost(string(body), markdown, publishedAt, now)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(meta)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "post body file (- for stdin)")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "treat the body as markdown")
	cmd.Flags().StringVar(&published, "published", "", "publish date (YYYY-MM-DD or RFC3339)")
	return cmd
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC3339)", raw)
}

func cooldownCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cooldown",
		Short: "Inspect or clear a user's consultation cooldown",
	}
	var userID string
	withStore := func(fn func(ctx context.Context, store cooldown.Store) error) error {
		cfg, err := g.load()
		if err != nil {
			return err
		}
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return errors.New("REDIS_URL is required: in-memory cooldowns live inside the server process")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := cooldown.NewStore(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(ctx, store)
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the remaining cooldown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store cooldown.Store) error {
				remaining, err := store.Remaining(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", userID, remaining.Round(time.Second))
				return nil
			})
		},
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Lift the cooldown so the user can queue again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store cooldown.Store) error {
				if err := store.Clear(ctx, userID); err != nil {
					return err
				}
				logger.Component("cooldown").WithField("user_id", userID).Info("cooldown cleared")
				return nil
			})
		},
	}
	for _, c := range []*cobra.Command{showCmd, clearCmd} {
		c.Flags().StringVar(&userID, "user", "", "user id")
		_ = c.MarkFlagRequired("user")
	}
	cmd.AddCommand(showCmd, clearCmd)
	return cmd
}
