package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// TLSConfig names the certificate and key served on the listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

func (c TLSConfig) validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls requires both a certificate and a key file")
	}
	return nil
}

type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// Ready receives the bound address once connections are accepted.
	Ready func(addr net.Addr)
}

const DefaultShutdownTimeout = 10 * time.Second

// Run serves cfg.Server until ctx is cancelled or serving fails. On
// cancellation in-flight requests get ShutdownTimeout to complete.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("serverutil: nil http server")
	}
	if err := cfg.TLS.validate(); err != nil {
		return err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := listen(cfg.Server, cfg.TLS)
	if err != nil {
		return err
	}
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.Enabled())
	if cfg.Ready != nil {
		cfg.Ready(ln.Addr())
	}

	served := make(chan error, 1)
	go func() { served <- cfg.Server.Serve(ln) }()

	select {
	case err := <-served:
		return ignoreClosed(err)
	case <-ctx.Done():
	}
	return shutdown(cfg.Server, served, cfg.ShutdownTimeout, logger)
}

// listen binds srv.Addr, wrapping the listener in TLS when configured.
func listen(srv *http.Server, certs TLSConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	if !certs.Enabled() {
		return ln, nil
	}
	pair, err := tls.LoadX509KeyPair(certs.CertFile, certs.KeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if srv.TLSConfig != nil {
		tlsConfig = srv.TLSConfig.Clone()
	}
	tlsConfig.Certificates = append([]tls.Certificate{pair}, tlsConfig.Certificates...)
	srv.TLSConfig = tlsConfig
	return tls.NewListener(ln, tlsConfig), nil
}

func shutdown(srv *http.Server, served <-chan error, timeout time.Duration, logger *slog.Logger) error {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger.Info("http server shutting down", "timeout", timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := srv.Shutdown(ctx)
	select {
	case err := <-served:
		if err = ignoreClosed(err); err != nil {
			return err
		}
		return shutdownErr
	case <-ctx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return ctx.Err()
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
