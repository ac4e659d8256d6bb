package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/brokerportal/sessionguard/api"
	"github.com/brokerportal/sessionguard/config"
)

var (
	port    int
	tlsCert string
	tlsKey  string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the reference security platform",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
		}

		a, err := newPlatformAPI(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           newRouter(a),
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
		}
		fmt.Printf("Starting platform on port %d (%s)...\n", cfg.Server.Port, scheme)
		if cfg.Platform.APIKey == "" {
			fmt.Println("Warning: platform.api_key is empty; protected routes accept any caller")
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// newPlatformAPI builds the reference platform from cfg.
func newPlatformAPI(c *config.Config, l *slog.Logger) (*api.API, error) {
	opts := []api.Option{
		api.WithLogger(l),
		api.WithAPIKey(c.Platform.APIKey),
		api.WithRateLimit(c.Server.RatePerSecond, c.Server.Burst),
		api.WithAlertFunc(func(e api.AlertEvent) {
			l.Warn(e.Message, "alert", string(e.Type), "count", e.Count, "threshold", e.Threshold)
		}),
	}
	if len(c.Server.TrustedProxies) > 0 {
		proxies, err := api.WithTrustedProxies(c.Server.TrustedProxies)
		if err != nil {
			return nil, fmt.Errorf("invalid server.trusted_proxies: %w", err)
		}
		opts = append(opts, proxies)
	}
	if c.Server.EventWebhookURL != "" {
		opts = append(opts, api.WithEventWebhook(c.Server.EventWebhookURL, c.Server.EventWebhookAuth))
	}
	return api.New(opts...), nil
}

func newRouter(a *api.API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Mount("/", a.Router())
	return r
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on (overrides server.port)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
