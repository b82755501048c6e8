// Package controlplane implements the control fan-out engine: the
// connection registry and the per-connection at-most-one-in-flight
// broadcast with coalescing that spec.md §4's control service runs on
// every configuration change, node-state report, and new connection.
//
// The source runs this as a single-threaded reactor step handling one
// event at a time. Go has no such built-in reactor, so the engine owns
// its state on one dedicated goroutine (Run) and every public method
// reaches it only by enqueuing a closure on ops. This actor-via-channel
// shape replaces the mutex-guarded connection map of the teacher's
// pkg/k8s/registry.go, and the owning goroutine also runs the broadcast
// algorithm rather than just holding a connection set.
package controlplane

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clusterforge/controlplane/internal/controlmetrics"
	"github.com/clusterforge/controlplane/internal/encodingcache"
	"github.com/clusterforge/controlplane/pkg/clustermodel"
	"github.com/clusterforge/controlplane/pkg/protocol"
)

// Connection is the fan-out engine's view of one live connection: enough
// to identify it and push a ClusterStatus. *connection.Endpoint satisfies
// this interface without internal/connection importing this package.
type Connection interface {
	ID() string
	SendClusterStatus(ctx context.Context, args protocol.Frame) error
}

// Persistence is the read side of the configuration persistence store the
// engine needs (spec.md §6's get()).
type Persistence interface {
	Get() clustermodel.Deployment
}

// Aggregator is the cluster-state aggregator collaborator (spec.md §6).
type Aggregator interface {
	ApplyChangesFromSource(source string, changes []clustermodel.ClusterStateChange)
	AsDeployment() clustermodel.DeploymentState
}

type cacheKey struct {
	kind string
	seq  uint64
}

type connState struct {
	conn            Connection
	inFlight        bool
	coalescePending bool
}

// Engine is the control fan-out engine (spec.md §4's central component).
// Construct with New and start Run in its own goroutine before calling
// any other method.
type Engine struct {
	persistence Persistence
	aggregator  Aggregator
	metrics     *controlmetrics.Metrics
	log         *logrus.Entry

	ops chan func()

	cache       encodingcache.Cache
	connections map[string]*connState
	seq         uint64
}

// New constructs an Engine. Run must be started before any other method
// is called, since every method reaches the engine's state only through
// the ops channel Run drains.
func New(persistence Persistence, aggregator Aggregator, metrics *controlmetrics.Metrics, log *logrus.Entry) *Engine {
	return &Engine{
		persistence: persistence,
		aggregator:  aggregator,
		metrics:     metrics,
		log:         log,
		ops:         make(chan func(), 1024),
		connections: make(map[string]*connState),
	}
}

// Run processes enqueued operations until ctx is cancelled. It must be
// the only goroutine that ever touches the engine's connections map,
// in-flight bookkeeping, or cache.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-e.ops:
			op()
		}
	}
}

// Connected registers conn and schedules an immediate broadcast to it
// alone, matching spec.md §4's "on connect, push current state" rule.
func (e *Engine) Connected(conn Connection) {
	e.ops <- func() {
		e.connections[conn.ID()] = &connState{conn: conn}
		e.broadcast(singleton(conn.ID()))
	}
}

// Disconnected removes conn from the registry. An in-flight send for it,
// if any, is left to finish on its own goroutine; its completion callback
// tolerates the entry already being gone (see onSendComplete).
func (e *Engine) Disconnected(conn Connection) {
	e.ops <- func() {
		delete(e.connections, conn.ID())
	}
}

// NodeChanged merges changes into the cluster-state aggregator and
// schedules a broadcast to every connection.
func (e *Engine) NodeChanged(source string, changes []clustermodel.ClusterStateChange) {
	e.ops <- func() {
		e.aggregator.ApplyChangesFromSource(source, changes)
		e.broadcast(e.allConnectionIDs())
	}
}

// ConfigChanged schedules a broadcast to every connection. It is the
// callback internal/service registers with the persistence store.
func (e *Engine) ConfigChanged() {
	e.ops <- func() {
		e.broadcast(e.allConnectionIDs())
	}
}

// AbandonAll clears the registry without sending anything further,
// matching spec.md §4's shutdown rule that in-flight updates are
// abandoned rather than awaited.
func (e *Engine) AbandonAll() {
	e.ops <- func() {
		e.connections = make(map[string]*connState)
	}
}

func (e *Engine) allConnectionIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(e.connections))
	for id := range e.connections {
		ids[id] = struct{}{}
	}
	return ids
}

func singleton(id string) map[string]struct{} {
	return map[string]struct{}{id: {}}
}

// broadcast implements spec.md §4's fan-out algorithm: snapshot the
// current configuration and state once, encode each at most once for the
// whole fan-out, then for every target either send immediately (if no
// send is already in flight for it) or mark it for a coalesced follow-up
// once its in-flight send completes. Must only run on the engine's own
// goroutine.
func (e *Engine) broadcast(targets map[string]struct{}) {
	if len(targets) == 0 {
		return
	}
	e.metrics.BroadcastsTotal.Inc()

	configuration := e.persistence.Get()
	state := e.aggregator.AsDeployment()
	e.seq++
	seq := e.seq

	var cfgBytes, stateBytes []byte
	e.cache.Scope(func() {
		cfgBytes = e.cache.Encode(cacheKey{"configuration", seq}, func() []byte {
			return protocol.GobEncodeDeployment(configuration)
		})
		stateBytes = e.cache.Encode(cacheKey{"state", seq}, func() []byte {
			return protocol.GobEncodeDeploymentState(state)
		})
	})

	for id := range targets {
		cs, ok := e.connections[id]
		if !ok {
			continue
		}
		e.updateConnection(cs, cfgBytes, stateBytes)
	}
}

func (e *Engine) updateConnection(cs *connState, cfgBytes, stateBytes []byte) {
	if !cs.inFlight {
		cs.inFlight = true
		e.sendClusterStatus(cs.conn, cfgBytes, stateBytes)
		return
	}
	// A send is already outstanding for this connection: coalesce into a
	// single pending follow-up instead of queuing another send.
	cs.coalescePending = true
}

func (e *Engine) sendClusterStatus(conn Connection, cfgBytes, stateBytes []byte) {
	frame := protocol.BuildClusterStatusFrame(cfgBytes, stateBytes, uuid.NewString())
	e.metrics.InFlightUpdates.Inc()
	go func() {
		err := conn.SendClusterStatus(context.Background(), frame)
		e.ops <- func() {
			e.metrics.InFlightUpdates.Dec()
			e.onSendComplete(conn, err)
		}
	}()
}

// onSendComplete runs on the engine goroutine once a ClusterStatus send
// finishes. A failure is logged and metered, never propagated — one
// unreachable agent must not stall the broadcast loop over the rest
// (spec.md §7).
func (e *Engine) onSendComplete(conn Connection, sendErr error) {
	if sendErr != nil {
		e.metrics.SendFailuresTotal.Inc()
		e.log.WithError(sendErr).WithField("connection", conn.ID()).Warn("cluster status send failed")
	}

	cs, ok := e.connections[conn.ID()]
	if !ok {
		return
	}
	cs.inFlight = false
	if cs.coalescePending {
		cs.coalescePending = false
		e.metrics.CoalescedTotal.Inc()
		e.broadcast(singleton(conn.ID()))
	}
}
