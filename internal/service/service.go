// Package service wires the control service together and owns its
// startup/shutdown order (spec.md §4.9): persistence store ready, then
// cluster-state aggregator ready, then the config-change broadcast
// callback registered, then the TLS listener accepting connections; on
// stop, accept is halted first, every live connection is closed, and the
// config-change callback is deregistered last of all so no post-stop
// broadcast can fire.
package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/clusterforge/controlplane/internal/clusterstate"
	"github.com/clusterforge/controlplane/internal/connection"
	"github.com/clusterforge/controlplane/internal/controlmetrics"
	"github.com/clusterforge/controlplane/internal/controlplane"
	"github.com/clusterforge/controlplane/internal/persistence"
)

// DefaultAgentPort is the agent-facing control port (spec.md §6).
const DefaultAgentPort = 4524

// Service is the control service: it accepts mutually-authenticated TLS
// connections from agents, serves the wire protocol on each, and drives
// the control fan-out engine.
type Service struct {
	store      *persistence.Store
	aggregator *clusterstate.Aggregator
	engine     *controlplane.Engine
	metrics    *controlmetrics.Metrics
	log        *logrus.Entry
	tlsConfig  *tls.Config

	listenAddr string

	mu        sync.Mutex
	listener  net.Listener
	endpoints map[*connection.Endpoint]struct{}
}

// New constructs a Service. configPath is the YAML deployment file the
// persistence store loads and watches; listenAddr is typically
// ":4524"-shaped.
func New(configPath, listenAddr string, tlsConfig *tls.Config, metrics *controlmetrics.Metrics, log *logrus.Entry) (*Service, error) {
	store, err := persistence.Open(configPath, log)
	if err != nil {
		return nil, fmt.Errorf("service: opening persistence store: %w", err)
	}
	aggregator := clusterstate.New()
	engine := controlplane.New(store, aggregator, metrics, log)

	return &Service{
		store:      store,
		aggregator: aggregator,
		engine:     engine,
		metrics:    metrics,
		log:        log,
		tlsConfig:  tlsConfig,
		listenAddr: listenAddr,
		endpoints:  make(map[*connection.Endpoint]struct{}),
	}, nil
}

// Addr returns the listener's bound address, or nil before Run has
// started accepting connections.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run starts the service and blocks until ctx is cancelled, then performs
// the shutdown order and returns.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.engine.Run(runCtx)

	storeErrCh := make(chan error, 1)
	go func() { storeErrCh <- s.store.Run(runCtx) }()

	if err := s.store.Register(s.engine.ConfigChanged); err != nil {
		return fmt.Errorf("service: registering config-change callback: %w", err)
	}
	defer s.store.Deregister()

	listener, err := tls.Listen("tcp", s.listenAddr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("service: listening on %s: %w", s.listenAddr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.WithField("address", s.listenAddr).Info("control service accepting connections")

	acceptErrCh := make(chan error, 1)
	go func() { acceptErrCh <- s.acceptLoop(runCtx, listener) }()

	select {
	case <-ctx.Done():
	case err := <-acceptErrCh:
		if err != nil {
			s.log.WithError(err).Warn("accept loop exited")
		}
	}

	cancel()
	s.shutdown()
	<-acceptErrCh
	<-storeErrCh
	return nil
}

func (s *Service) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConnection(ctx, conn)
	}
}

func (s *Service) serveConnection(ctx context.Context, conn net.Conn) {
	endpoint := connection.New(conn, s.log)
	locator := controlplane.NewControlServiceLocator(s.engine, endpoint.Source)
	endpoint.SetLocator(locator)

	s.mu.Lock()
	s.endpoints[endpoint] = struct{}{}
	s.mu.Unlock()

	onConnect := func(e *connection.Endpoint) { s.engine.Connected(e) }
	onDisconnect := func(e *connection.Endpoint) {
		s.engine.Disconnected(e)
		s.mu.Lock()
		delete(s.endpoints, e)
		s.mu.Unlock()
	}

	if err := endpoint.Serve(ctx, onConnect, onDisconnect); err != nil {
		s.log.WithError(err).WithField("remote", conn.RemoteAddr()).Debug("connection ended")
	}
}

// shutdown implements the stop half of spec.md §4.9's order: it closes the
// listener first, which halts accept, then closes every live connection's
// transport. In-flight updates on those connections are abandoned, not
// awaited.
func (s *Service) shutdown() {
	s.mu.Lock()
	listener := s.listener
	endpoints := make([]*connection.Endpoint, 0, len(s.endpoints))
	for e := range s.endpoints {
		endpoints = append(endpoints, e)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	s.engine.AbandonAll()
	for _, e := range endpoints {
		e.Close()
	}
}
