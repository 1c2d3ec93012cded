// Package main implements feedwired, the event-stream hub for the admin
// dashboard. Producers publish signed events over HTTP and dashboard
// clients subscribe to channels over WebSocket.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/msgops/feedwire/pkg/auth"
	"github.com/msgops/feedwire/pkg/hub"
	"github.com/msgops/feedwire/pkg/ingest"
	"github.com/msgops/feedwire/pkg/logger"
	"github.com/msgops/feedwire/pkg/security"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 10 * time.Second
)

var (
	addr          = flag.String("addr", ":8080", "HTTP service address")
	ingestSecret  = flag.String("ingest-secret", os.Getenv("FEEDWIRE_INGEST_SECRET"), "HMAC secret producers sign publishes with")
	staticToken   = flag.String("token", os.Getenv("FEEDWIRE_TOKEN"), "Static subscriber token (development)")
	authURL       = flag.String("auth-url", os.Getenv("FEEDWIRE_AUTH_URL"), "Token verification endpoint (overrides -token)")
	channelList   = flag.String("channels", "logs,monitoring,tasks", "Comma-separated channels to serve")
	maxConnsPerIP = flag.Int("max-conns-per-ip", 10, "Maximum WebSocket connections per IP")
	maxConnsTotal = flag.Int("max-conns-total", 1000, "Maximum total WebSocket connections")
	rateLimit     = flag.Int("rate-limit", 100, "Maximum requests per minute per IP")
	letsencrypt   = flag.Bool("letsencrypt", false, "Use Let's Encrypt for automatic TLS certificates")
	leDomains     = flag.String("le-domains", "", "Comma-separated list of domains for Let's Encrypt certificates")
	leCacheDir    = flag.String("le-cache-dir", "./.letsencrypt", "Cache directory for Let's Encrypt certificates")
	leEmail       = flag.String("le-email", "", "Contact email for Let's Encrypt notifications")
)

func main() {
	flag.Parse()

	if *ingestSecret == "" {
		logger.Warn("no ingest secret configured; all publishes will be rejected", nil)
		logger.Warn("set -ingest-secret or FEEDWIRE_INGEST_SECRET", nil)
	}

	verifier, err := buildVerifier()
	if err != nil {
		logger.Error("invalid auth configuration", err, nil)
		os.Exit(1)
	}

	channels, err := hub.ParseChannels(*channelList)
	if err != nil {
		logger.Error("invalid -channels", err, nil)
		os.Exit(1)
	}

	h := hub.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	rateLimiter := security.NewRateLimiter(*rateLimit, time.Minute)
	defer rateLimiter.Stop()
	connLimiter := security.NewConnectionLimiter(*maxConnsPerIP, *maxConnsTotal)
	defer connLimiter.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws/", hub.NewWebSocketHandler(h, verifier, connLimiter, channels))
	mux.Handle("/publish/", ingest.NewHandler(h, *ingestSecret, channels))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.Warn("healthz write failed", logger.Fields{"error": err})
		}
	})

	server := &http.Server{
		Addr:           *addr,
		Handler:        security.CombinedMiddleware(rateLimiter)(mux),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info("shutting down", nil)
		h.Stop()
		h.Wait()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", err, nil)
		}
		close(done)
	}()

	if *letsencrypt {
		err = serveTLS(server)
	} else {
		logger.Warn("TLS not enabled; use -letsencrypt in production", nil)
		logger.Info("listening", logger.Fields{"addr": *addr, "channels": channels})
		err = server.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", err, nil)
		os.Exit(1)
	}

	<-done
	logger.Info("server stopped", nil)
}

// buildVerifier picks the token verifier: an HTTP endpoint when -auth-url
// is set, the static shared token otherwise.
func buildVerifier() (hub.TokenVerifier, error) {
	if *authURL != "" {
		return auth.NewClient(*authURL)
	}
	if *staticToken == "" {
		return nil, errors.New("set -token/FEEDWIRE_TOKEN or -auth-url/FEEDWIRE_AUTH_URL")
	}
	return auth.NewStatic(*staticToken, "dashboard"), nil
}

// serveTLS runs the server on :443 with Let's Encrypt certificates, plus a
// plain listener on :80 for ACME challenges.
func serveTLS(server *http.Server) error {
	if *leDomains == "" {
		return errors.New("-letsencrypt requires -le-domains")
	}

	domains := strings.Split(*leDomains, ",")
	for i := range domains {
		domains[i] = strings.TrimSpace(domains[i])
	}

	if err := os.MkdirAll(*leCacheDir, 0o700); err != nil {
		return err
	}

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(*leCacheDir),
		Email:      *leEmail,
	}

	server.Addr = ":443"
	server.TLSConfig = &tls.Config{
		GetCertificate: certManager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}

	go func() {
		logger.Info("starting ACME challenge listener on :80", nil)
		if err := http.ListenAndServe(":80", certManager.HTTPHandler(nil)); err != nil { //nolint:gosec // challenge listener
			logger.Warn("ACME listener failed; certificate renewal may not work", logger.Fields{"error": err})
		}
	}()

	logger.Info("listening with TLS", logger.Fields{"domains": domains})
	return server.ListenAndServeTLS("", "")
}
