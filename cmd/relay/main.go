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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/meshdraw/internal/config"
	"github.com/DoyleJ11/meshdraw/internal/httpapi"
	"github.com/DoyleJ11/meshdraw/internal/hub"
	"github.com/DoyleJ11/meshdraw/internal/logging"
	"github.com/DoyleJ11/meshdraw/internal/ws"
)

const releaseVersion = "0.1.0"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cobra.CheckErr(newCmd(&config.Relay{}).Execute())
}

func newCmd(cfg *config.Relay) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "meshdraw-relay",
		Short:   "Signaling relay for meshdraw peers.",
		Args:    cobra.ExactArgs(0),
		Version: releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: MESHDRAW_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", 8080, "port to listen on (env: MESHDRAW_PORT)")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", 50, "frames per second accepted from one connection (env: MESHDRAW_RATE_LIMIT)")
	fs.IntVar(&cfg.Burst, "burst", 100, "frames a connection may send at once above the rate limit (env: MESHDRAW_BURST)")
	fs.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", nil, "extra websocket origin patterns to accept (env: MESHDRAW_ALLOWED_ORIGINS)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "log at debug level to the console (env: MESHDRAW_VERBOSE)")
	config.BindEnv(fs)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	return cmd
}

func serve(ctx context.Context, cfg *config.Relay) error {
	log, err := logging.New(cfg.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// Stopped explicitly once the server has drained.
	h := hub.NewHub(context.WithoutCancel(ctx), log)
	handler := httpapi.SetupRoutes(h, ws.Options{
		Logger:         log,
		RateLimit:      rate.Limit(cfg.RateLimit),
		Burst:          cfg.Burst,
		OriginPatterns: cfg.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		select {
		case h.Inbox() <- hub.ShutdownHub{}:
		case <-h.Done():
		}
		return err
	})
	return g.Wait()
}
