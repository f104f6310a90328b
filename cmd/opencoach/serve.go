package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xonecas/opencoach/internal/backend"
	"github.com/xonecas/opencoach/internal/mcpbridge"
)

var flagServeAddr string

// newServeCmd builds `opencoach serve`: a headless host for the remote
// Backend Abstraction (C11) transport and the MCP Bridge (C10), both
// mounted on one chi.Router the way the teacher's cmd/symb/main.go mounted
// its single HTTP server — generalized here to serve many sessions, one
// per MCP-bridge-facing client or remote frontend connection.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run opencoach as a headless HTTP+SSE server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&flagServeAddr, "addr", ":4096", "address to listen on")
	return cmd
}

func runServe(ctx context.Context) error {
	cfg, creds, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
	}

	webCache := openWebCache(cfg)
	sessionID, _, err := resolveSession(flagSession, flagContinue, webCache)
	if webCache != nil {
		_ = webCache.Close()
	}
	if err != nil {
		return err
	}

	sess, err := buildSession(ctx, cfg, creds, sessionID)
	if err != nil {
		return fmt.Errorf("build session %q: %w", sessionID, err)
	}
	defer sess.Close()

	conv := newConversation(sess, nil)
	server := backend.NewServer()
	server.RegisterSession(sessionID, sess.bus, conv.Handle)
	procMetrics.SetSessionsActive(1)

	bridge := mcpbridge.New(sess.tools.Registry, sessionID, sess.bus)

	r := chi.NewRouter()
	r.Use(procMetrics.Middleware)
	server.Routes(r)
	bridge.Routes(r)
	r.Handle("/metrics", procMetrics.Handler())

	httpServer := &http.Server{
		Addr:              flagServeAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", flagServeAddr).Str("session", sessionID).Msg("opencoach: serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.UnregisterSession(sessionID)
	return httpServer.Shutdown(shutdownCtx)
}
