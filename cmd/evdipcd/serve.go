package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eventdance/evdipc/internal/busbridge"
	"github.com/eventdance/evdipc/internal/config"
	"github.com/eventdance/evdipc/internal/glue"
	"github.com/eventdance/evdipc/internal/logging"
	"github.com/eventdance/evdipc/internal/longpoll"
	"github.com/eventdance/evdipc/internal/webselector"
)

const shutdownGrace = 3 * time.Second

func newServeCmd() *cobra.Command {
	var (
		listenAddr string
		logLevel   string
		logJSON    bool
		tlsCert    string
		tlsKey     string
		basePath   string
	)

	flags := &config.FlagOverrides{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the evdipcd daemon: transport, bus bridge, and HTTP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("transport-base-path") {
				flags.TransportBasePath = &basePath
			}
			return runServe(listenAddr, logLevel, logJSON, tlsCert, tlsKey, flags)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "address to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of text")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "TLS certificate file; enables TLS when set with --tls-key")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "TLS key file; enables TLS when set with --tls-cert")
	cmd.Flags().StringVar(&basePath, "transport-base-path", "/transport", "override transport.base_path")

	return cmd
}

func runServe(listenAddr, logLevel string, logJSON bool, tlsCert, tlsKey string, flags *config.FlagOverrides) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine working directory: %w", err)
	}

	cfg, err := config.Load(cwd, flags)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.New(logging.Options{Level: logLevel, JSON: logJSON, Output: os.Stderr})
	log := logger.WithField("component", "evdipcd")

	tr := longpoll.New(longpoll.Config{
		ParkTimeout:       time.Duration(cfg.ParkTimeoutMs) * time.Millisecond,
		IdleTimeout:       time.Duration(cfg.PeerIdleTimeoutMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.PeerHeartbeatMs) * time.Millisecond,
		HighWaterMark:     longpoll.DefaultConfig().HighWaterMark,
	}, log.WithField("subsystem", "longpoll"))
	tr.StartHeartbeatSweep(time.Duration(cfg.PeerHeartbeatMs) * time.Millisecond)
	defer tr.Shutdown()

	busbridge.New(tr, time.Duration(cfg.BusCallTimeoutMs)*time.Millisecond, log.WithField("subsystem", "busbridge"))

	lpPrefix := cfg.TransportBasePath + "/lp"
	selector := webselector.New()
	selector.Register("", lpPrefix, http.StripPrefix(lpPrefix, tr.Handler()))

	var creds *glue.Credentials
	if tlsCert != "" && tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		creds = glue.NewCredentials(&tls.Config{Certificates: []tls.Certificate{cert}}, cfg.TLSDHBits)
		creds.Prepare()
	}

	handler := logging.RequestLogger(log.WithField("subsystem", "http"))(selector)
	srv := &http.Server{Addr: listenAddr, Handler: handler}

	httpDone := make(chan error, 1)
	go func() {
		var err error
		if creds != nil {
			srv.TLSConfig = creds.Config()
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			httpDone <- err
		}
		close(httpDone)
	}()

	log.WithField("addr", listenAddr).Info("listening")
	awaitShutdownSignal(log, srv, httpDone)
	return nil
}

// awaitShutdownSignal blocks until a termination signal is received or the
// HTTP listener dies unexpectedly, then performs graceful cleanup. httpDone
// closing without a signal means srv.ListenAndServe(TLS) exited on its own —
// shut down instead of leaving an alive-but-deaf daemon.
func awaitShutdownSignal(log *logrus.Entry, srv *http.Server, httpDone <-chan error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case s := <-sigCh:
		log.WithField("signal", s.String()).Info("shutdown signal received")
	case err := <-httpDone:
		log.WithField("error", err).Warn("http listener exited unexpectedly, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("error", err).Error("http shutdown error")
	}
}
