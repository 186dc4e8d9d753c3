package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/faanross/simulacra_vid/internal/config"
	"github.com/faanross/simulacra_vid/internal/control"
	"github.com/faanross/simulacra_vid/internal/logging"
	"github.com/faanross/simulacra_vid/internal/protocol"
	"github.com/faanross/simulacra_vid/internal/registry"
	"github.com/faanross/simulacra_vid/internal/statusdns"
	"github.com/sirupsen/logrus"
)

// ================================================================================
// SIMULA SERVER - HTTP control surface for sender and receiver sessions,
// with an optional DNS status responder
// ================================================================================

const reportInterval = 5 * time.Minute

// SimulaServer owns the long-running pieces of the control process
type SimulaServer struct {
	cfg       config.Config
	store     registry.Store
	host      *protocol.Host
	api       *control.Server
	http      *http.Server
	dns       *statusdns.Server
	startTime time.Time
}

// NewSimulaServer wires the registry, sender host and control API
func NewSimulaServer(ctx context.Context, cfg config.Config, uploadDir string) (*SimulaServer, error) {
	store, err := cfg.OpenRegistry()
	if err != nil {
		return nil, err
	}

	sender, err := cfg.Sender()
	if err != nil {
		store.Close()
		return nil, err
	}
	receiver, err := cfg.Receiver()
	if err != nil {
		store.Close()
		return nil, err
	}

	host := &protocol.Host{Sender: sender, Kind: cfg.Transport, Addr: cfg.Addr}
	api := control.New(ctx, control.Options{
		Host:      host,
		Receiver:  receiver,
		Store:     store,
		UploadDir: uploadDir,
	})

	s := &SimulaServer{
		cfg:   cfg,
		store: store,
		host:  host,
		api:   api,
		http: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api,
			ReadHeaderTimeout: 10 * time.Second,
		},
		startTime: time.Now(),
	}
	if cfg.DNSAddr != "" {
		s.dns = statusdns.NewServer(cfg.Domain, api)
	}
	return s, nil
}

// Start brings up the HTTP and DNS listeners and the background reporter
func (s *SimulaServer) Start(ctx context.Context) error {
	if s.dns != nil {
		if _, err := s.dns.Start(s.cfg.DNSAddr); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go s.statusReporter(ctx)

	logrus.WithFields(logrus.Fields{
		"function":  "SimulaServer.Start",
		"http":      s.cfg.HTTPAddr,
		"dns":       s.cfg.DNSAddr,
		"transport": s.cfg.Transport,
		"sender":    s.cfg.Addr,
		"registry":  s.cfg.Registry,
	}).Info("Control server running")

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("http serve: %w", err)
	}
}

// statusReporter logs registry statistics and forgets expired sessions
func (s *SimulaServer) statusReporter(ctx context.Context) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		removed, err := s.api.Clean(s.cfg.RegistryTTL)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "statusReporter",
				"error":    err.Error(),
			}).Warn("Registry cleanup failed")
		}

		stats, err := s.store.Stats()
		if err != nil {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function":  "statusReporter",
			"uptime":    time.Since(s.startTime).Round(time.Second).String(),
			"total":     stats.Total,
			"senders":   stats.Senders,
			"receivers": stats.Receivers,
			"complete":  stats.Complete,
			"failed":    stats.Failed,
			"verified":  stats.Verified,
			"expired":   removed,
		}).Info("Status")
	}
}

// Shutdown stops listeners, cancels the in-flight sender and flushes the registry
func (s *SimulaServer) Shutdown(ctx context.Context) {
	fields := logrus.Fields{"function": "SimulaServer.Shutdown"}

	if err := s.http.Shutdown(ctx); err != nil {
		logrus.WithFields(fields).WithError(err).Warn("HTTP shutdown")
	}
	if s.dns != nil {
		if err := s.dns.Shutdown(ctx); err != nil {
			logrus.WithFields(fields).WithError(err).Warn("DNS shutdown")
		}
	}
	if err := s.host.Close(); err != nil {
		logrus.WithFields(fields).WithError(err).Warn("Sender listener close")
	}
	if err := s.store.Close(); err != nil {
		logrus.WithFields(fields).WithError(err).Error("Registry close")
		return
	}
	logrus.WithFields(fields).Info("Shutdown complete")
}

func main() {
	cfg := config.Default()
	if err := cfg.FromEnv(config.EnvPrefix); err != nil {
		log.Fatal("❌ ", err)
	}
	cfg.BindFlags(flag.CommandLine)
	cfg.BindServerFlags(flag.CommandLine)
	uploadDir := flag.String("upload-dir", "uploads", "Directory for uploaded cover videos")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatal("❌ ", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal("❌ ", err)
	}

	fmt.Println("=" + strings.Repeat("=", 60))
	fmt.Println("SIMULACRA VID - CONTROL SERVER")
	fmt.Println("=" + strings.Repeat("=", 60))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := NewSimulaServer(ctx, cfg, *uploadDir)
	if err != nil {
		log.Fatal("❌ ", err)
	}

	runErr := server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if runErr != nil {
		log.Fatal("❌ ", runErr)
	}
}
