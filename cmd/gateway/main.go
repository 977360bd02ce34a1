// AegisGate — runtime security gateway for AI agents.
//
// This is the main entry point for the gateway daemon. It provides:
//   - Provider-shaped forwarding endpoints (Anthropic, OpenAI, Gemini)
//   - Behavioral scanning of agent tool-call traffic
//   - Tenant policy enforcement (block, alert, log, allow)
//   - Agent identity, quota, and audit trail
//   - Zero-config in-memory store, PostgreSQL for production

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/pkg/server"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("🛡️  AegisGate starting...")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize gateway")
	}

	pidPath := os.Getenv("AEGISGATE_PID_FILE")
	if pidPath == "" {
		pidPath = filepath.Join(os.TempDir(), "aegisgate.pid")
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		log.Warn().Err(err).Str("path", pidPath).Msg("Failed to write PID file")
	} else {
		defer os.Remove(pidPath)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown: stop accepting, let in-flight requests finish,
	// then drain the audit queue so every evaluated request is recorded.
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
		}
		if err := srv.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Gateway close did not complete cleanly")
		}
	}()

	log.Info().
		Int("port", srv.Port).
		Msg("🛡️  AegisGate is guarding the gate")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-done
}
