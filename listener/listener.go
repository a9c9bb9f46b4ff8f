// Package listener runs the public-facing accept loop: one
// goroutine per accepted connection, each wrapped in a
// session.Session and admitted into the shared registry.
//
// Grounded on the teacher's distributor.service.Run/handleConnection
// (distributor/service.go): an Accept loop that returns only on a
// listener error, dispatching every connection into its own
// goroutine immediately.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/go-pluto/imaplogind/registry"
	"github.com/go-pluto/imaplogind/session"
	"github.com/go-pluto/imaplogind/types"
)

// Listener accepts connections on a net.Listener and admits each one
// as a session.Session.
type Listener struct {
	net.Listener

	cfg      *types.Config
	deps     session.Deps
	registry *registry.Registry
	logger   log.Logger

	tlsAlready bool
}

// New wraps ln. tlsAlready marks connections accepted on ln as
// already secured (i.e. ln itself is a tls.Listener rather than a
// plaintext one awaiting STARTTLS).
func New(ln net.Listener, cfg *types.Config, deps session.Deps, reg *registry.Registry, logger log.Logger, tlsAlready bool) *Listener {
	return &Listener{
		Listener:   ln,
		cfg:        cfg,
		deps:       deps,
		registry:   reg,
		logger:     logger,
		tlsAlready: tlsAlready,
	}
}

// NewTLS is a convenience constructor that wraps addr in a
// tls.Listener using cfg, grounded on the teacher's own pattern of
// building a tls.Config once at startup and handing it to
// tls.Listen.
func NewTLS(network, addr string, tlsConfig *tls.Config, cfg *types.Config, deps session.Deps, reg *registry.Registry, logger log.Logger) (*Listener, error) {

	ln, err := tls.Listen(network, addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("listener: failed to listen on %s: %w", addr, err)
	}

	return New(ln, cfg, deps, reg, logger, true), nil
}

// Run accepts connections until ctx is cancelled or Accept fails.
func (l *Listener) Run(ctx context.Context) error {

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {

		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("listener: accept failed: %w", err)
			}
		}

		go l.handleConnection(ctx, conn)
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {

	deps := l.deps

	if l.deps.Metrics != nil {

		remove := deps.Remove

		deps.Remove = func(id string) {
			if remove != nil {
				remove(id)
			}
			l.deps.Metrics.LiveSessions.Add(-1)
		}
	}

	s := session.New(conn, l.cfg, deps, l.tlsAlready)

	if l.registry != nil {
		l.registry.Admit(s)
	}

	if l.deps.Metrics != nil {
		l.deps.Metrics.LiveSessions.Add(1)
	}

	level.Debug(l.logger).Log("msg", "accepted connection", "peer", conn.RemoteAddr().String())

	s.Run(ctx)
}
