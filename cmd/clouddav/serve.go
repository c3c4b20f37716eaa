package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"clouddav/internal/config"
	"clouddav/internal/remote"
	"clouddav/internal/storage"
	"clouddav/internal/store"
	"clouddav/internal/token"
	dav "clouddav/internal/webdav"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the WebDAV server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadedCfg
			if listen != "" {
				cfg.Server.Listen = listen
			}
			logger := buildLogger(cfg.Log, cmd.ErrOrStderr())
			slog.SetDefault(logger)
			return runServe(shutdownContext(cmd.Context(), logger), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	return cmd
}

// providerTransport is shared by every adapter: long header timeout for
// large transfers, bounded idle connections.
func providerTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 60 * time.Minute,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 10 * time.Second,
		MaxIdleConnsPerHost:   16,
	}
}

func newHandler(cfg *config.Config, st store.Store, logger *slog.Logger) (http.Handler, error) {
	codec, err := token.NewCodec(cfg.Token.Secret)
	if err != nil {
		return nil, err
	}
	opts := remote.Options{
		HTTPClient: &http.Client{Transport: providerTransport()},
		Codec:      codec,
		Logger:     logger,
	}
	factory := func(ctx context.Context, b store.Backend) (storage.StorageClient, error) {
		return remote.NewClient(ctx, b, opts)
	}

	auth := cfg.DAVAuth()
	srv := dav.NewServer(st, factory, dav.Options{
		Prefix:        cfg.Server.BaseURL,
		AuthUser:      auth.User,
		AuthPass:      auth.Pass,
		MaxUploadSize: cfg.Server.MaxUploadSize,
		Logger:        logger,
	})

	mux := http.NewServeMux()
	mux.Handle(srv.Prefix(), srv)
	mux.Handle(srv.Prefix()+"/", srv)
	return mux, nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := config.EnsureTokenSecret(flagConfigPath, cfg, logger); err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	handler, err := newHandler(cfg, st, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("clouddav listening",
			slog.String("listen", cfg.Server.Listen),
			slog.String("prefix", cfg.Server.BaseURL),
			slog.String("store", cfg.Store.Type),
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
