// Command imaplogind is the IMAP pre-authentication login front-end:
// it accepts the public IMAP connection, speaks the command subset
// of spec.md §4 up through STARTTLS/LOGIN/AUTHENTICATE, and hands a
// successfully authenticated connection off to a backend master.
//
// Grounded on the teacher's root main.go: the same flag/config/
// logger bootstrap sequence, the same crypto.New*TLSConfig calls,
// and the same fail-fast "log the error, os.Exit(1)" shape, adapted
// from the teacher's three-role (distributor/worker/storage) process
// into this repo's single role.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-pluto/imaplogind/auth"
	"github.com/go-pluto/imaplogind/config"
	"github.com/go-pluto/imaplogind/crypto"
	"github.com/go-pluto/imaplogind/handoff"
	"github.com/go-pluto/imaplogind/listener"
	"github.com/go-pluto/imaplogind/metrics"
	"github.com/go-pluto/imaplogind/registry"
	"github.com/go-pluto/imaplogind/session"
	"github.com/go-pluto/imaplogind/types"
)

func initLogger(loglevel string) log.Logger {

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.Caller(5),
	)

	switch strings.ToLower(loglevel) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

func initAuthBroker(ctx context.Context, conf *types.Config, internalTLS *tls.Config, logger log.Logger) (auth.Broker, error) {

	if conf.AuthFile.File != "" {
		return auth.NewFileBroker(conf.AuthFile.File, conf.AuthFile.Separator)
	}

	if conf.Postgres.Database != "" {
		return auth.NewPostgresBroker(ctx, auth.PostgresConfig{
			IP:       conf.Postgres.IP,
			Port:     conf.Postgres.Port,
			Database: conf.Postgres.Database,
			User:     conf.Postgres.User,
			Password: conf.Postgres.Password,
			SSLMode:  conf.Postgres.SSLMode,
		})
	}

	addr := net.JoinHostPort(conf.AuthService.IP, conf.AuthService.Port)

	dial := func(ctx context.Context) (net.Conn, error) {
		dialer := &tls.Dialer{Config: internalTLS}
		return dialer.DialContext(ctx, "tcp", addr)
	}

	broker := auth.NewNetBroker(dial, []string{"PLAIN"})
	go broker.Run(ctx)

	return auth.NewLoggingBroker(broker, logger), nil
}

func initHandoffClient(conf *types.Config, internalTLS *tls.Config) handoff.Client {

	addr := net.JoinHostPort(conf.Backend.IP, conf.Backend.Port)

	dial := func(ctx context.Context) (net.Conn, error) {
		dialer := &tls.Dialer{Config: internalTLS}
		return dialer.DialContext(ctx, "tcp", addr)
	}

	return handoff.NewNetClient(dial)
}

func run() error {

	configFlag := flag.String("config", "config.toml", "Path to the login front-end's TOML configuration file.")
	envFlag := flag.String("env", ".env", "Path to the .env file holding the shared secret.")
	loglevelFlag := flag.String("loglevel", "debug", "Default logging level (debug, info, warn, error).")
	metricsAddrFlag := flag.String("metrics-addr", "", "If set, serve Prometheus metrics on this address.")
	flag.Parse()

	logger := initLogger(*loglevelFlag)

	conf, err := config.Load(*configFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := config.LoadEnv(*envFlag); err != nil {
		level.Warn(logger).Log("msg", "failed to load .env file, continuing without a shared secret", "err", err)
	}

	m := metrics.New()

	if *metricsAddrFlag != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddrFlag, mux); err != nil {
				level.Error(logger).Log("msg", "metrics server failed", "err", err)
			}
		}()
	}

	publicTLS, err := crypto.NewPublicTLSConfig(conf.TLS.CertLoc, conf.TLS.KeyLoc)
	if err != nil {
		return fmt.Errorf("failed to build public TLS config: %w", err)
	}

	var internalTLS *tls.Config
	if conf.TLS.InternalCertLoc != "" {
		internalTLS, err = crypto.NewInternalTLSConfig(conf.TLS.InternalCertLoc, conf.TLS.InternalKeyLoc, conf.TLS.RootCertLoc)
		if err != nil {
			return fmt.Errorf("failed to build internal TLS config: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	broker, err := initAuthBroker(ctx, conf, internalTLS, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize auth broker: %w", err)
	}

	hc := initHandoffClient(conf, internalTLS)

	reg := registry.New(conf.MaxLoggingUsers, conf.DestroyOldestCount, conf.IdleTimeout())
	go reg.RunIdleSweep(ctx)

	if netBroker, ok := unwrapNetBroker(broker); ok {
		netBroker.OnReconnect(reg.ResumeBlocked)
	}

	deps := session.Deps{
		AuthBroker:    broker,
		HandoffClient: hc,
		TLSConfig:     publicTLS,
		Remove:        reg.Remove,
		Logger:        logger,
		Metrics:       m,
	}

	addr := net.JoinHostPort(conf.IP, conf.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer ln.Close()

	l := listener.New(ln, conf, deps, reg, logger, false)

	level.Info(logger).Log("msg", "accepting IMAP connections", "addr", addr)

	if err := l.Run(ctx); err != nil {
		return fmt.Errorf("listener stopped: %w", err)
	}

	reg.Shutdown()

	return nil
}

// unwrapNetBroker recovers the *auth.NetBroker behind the logging
// decorator, if any, so main can subscribe the registry's resume
// hook to its reconnect notifications. The file-backed broker has no
// such notion and is skipped.
func unwrapNetBroker(b auth.Broker) (*auth.NetBroker, bool) {

	type reconnectSubscriber interface {
		OnReconnect(func())
	}

	if nb, ok := b.(*auth.NetBroker); ok {
		return nb, true
	}

	if _, ok := b.(reconnectSubscriber); ok {
		// Wrapped behind a decorator that still exposes OnReconnect
		// directly is not expected in this codebase's decorator
		// shape (loggingBroker does not forward it); nothing to do.
		return nil, false
	}

	return nil, false
}

func main() {
	if err := run(); err != nil {
		level.Error(initLogger("error")).Log("msg", "fatal error", "err", err)
		os.Exit(1)
	}
}
