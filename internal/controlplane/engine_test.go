package controlplane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/clusterforge/controlplane/internal/clusterstate"
	"github.com/clusterforge/controlplane/internal/controlmetrics"
	"github.com/clusterforge/controlplane/pkg/clustermodel"
	"github.com/clusterforge/controlplane/pkg/protocol"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(testDiscard{})
	return logrus.NewEntry(l)
}

type testDiscard struct{}

func (testDiscard) Write(p []byte) (int, error) { return len(p), nil }

func newTestMetrics() *controlmetrics.Metrics {
	return controlmetrics.NewMetrics(prometheus.NewRegistry())
}

type fakePersistence struct {
	mu         sync.Mutex
	deployment clustermodel.Deployment
}

func (p *fakePersistence) Get() clustermodel.Deployment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deployment
}

func (p *fakePersistence) setVersion(v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deployment.Version = v
}

// fakeConn is a Connection whose SendClusterStatus blocks on release, if
// set, letting tests hold a send "in flight" deterministically.
type fakeConn struct {
	id string

	mu      sync.Mutex
	sends   int
	frames  []protocol.Frame
	release chan struct{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) SendClusterStatus(ctx context.Context, args protocol.Frame) error {
	c.mu.Lock()
	c.sends++
	c.frames = append(c.frames, args)
	release := c.release
	c.mu.Unlock()
	if release != nil {
		<-release
	}
	return nil
}

func (c *fakeConn) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

func (c *fakeConn) lastFrame() protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[len(c.frames)-1]
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEngineConnectedPushesInitialState(t *testing.T) {
	persistence := &fakePersistence{deployment: clustermodel.Deployment{Version: 1}}
	aggregator := clusterstate.New()
	engine := New(persistence, aggregator, newTestMetrics(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	conn := newFakeConn("agent-1")
	engine.Connected(conn)

	waitUntil(t, time.Second, func() bool { return conn.sendCount() == 1 })

	args, err := protocol.DecodeClusterStatusArgs(conn.lastFrame())
	if err != nil {
		t.Fatalf("DecodeClusterStatusArgs: %v", err)
	}
	if args.Configuration.Version != 1 {
		t.Fatalf("got configuration version %d, want 1", args.Configuration.Version)
	}
}

func TestEngineCoalescesConfigChangesWhileSendInFlight(t *testing.T) {
	persistence := &fakePersistence{deployment: clustermodel.Deployment{Version: 1}}
	aggregator := clusterstate.New()
	engine := New(persistence, aggregator, newTestMetrics(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	conn := newFakeConn("agent-1")
	release := make(chan struct{})
	conn.release = release

	engine.Connected(conn)
	waitUntil(t, time.Second, func() bool { return conn.sendCount() == 1 })

	// Three config changes arrive while the first send is still in
	// flight: they must collapse into a single pending follow-up rather
	// than queuing three more sends.
	persistence.setVersion(2)
	engine.ConfigChanged()
	persistence.setVersion(3)
	engine.ConfigChanged()
	persistence.setVersion(4)
	engine.ConfigChanged()

	close(release)

	waitUntil(t, time.Second, func() bool { return conn.sendCount() == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := conn.sendCount(); got != 2 {
		t.Fatalf("got %d sends, want exactly 2 (no further coalescing fan-out)", got)
	}

	args, err := protocol.DecodeClusterStatusArgs(conn.lastFrame())
	if err != nil {
		t.Fatalf("DecodeClusterStatusArgs: %v", err)
	}
	if args.Configuration.Version != 4 {
		t.Fatalf("got configuration version %d, want 4 (the latest at completion time)", args.Configuration.Version)
	}
}

func TestEngineNodeChangedFansOutToEveryConnection(t *testing.T) {
	persistence := &fakePersistence{deployment: clustermodel.Deployment{Version: 1}}
	aggregator := clusterstate.New()
	engine := New(persistence, aggregator, newTestMetrics(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	a := newFakeConn("agent-a")
	b := newFakeConn("agent-b")
	engine.Connected(a)
	engine.Connected(b)
	waitUntil(t, time.Second, func() bool { return a.sendCount() == 1 && b.sendCount() == 1 })

	changes := []clustermodel.ClusterStateChange{
		{NodeID: "node-1", Status: clustermodel.NodeStatus{Generation: 1}},
	}
	engine.NodeChanged("agent-a", changes)

	waitUntil(t, time.Second, func() bool { return a.sendCount() == 2 && b.sendCount() == 2 })

	args, err := protocol.DecodeClusterStatusArgs(b.lastFrame())
	if err != nil {
		t.Fatalf("DecodeClusterStatusArgs: %v", err)
	}
	if _, ok := args.State.Nodes["node-1"]; !ok {
		t.Fatal("expected node-1 in the fanned-out state")
	}
}

func TestEngineDisconnectToleratesInFlightCompletion(t *testing.T) {
	persistence := &fakePersistence{deployment: clustermodel.Deployment{Version: 1}}
	aggregator := clusterstate.New()
	engine := New(persistence, aggregator, newTestMetrics(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	conn := newFakeConn("agent-1")
	release := make(chan struct{})
	conn.release = release

	engine.Connected(conn)
	waitUntil(t, time.Second, func() bool { return conn.sendCount() == 1 })

	engine.Disconnected(conn)
	close(release)

	// The completion callback must not panic on a connection already
	// removed from the registry; prove the engine is still alive by
	// serving a fresh connection afterward.
	other := newFakeConn("agent-2")
	engine.Connected(other)
	waitUntil(t, time.Second, func() bool { return other.sendCount() == 1 })
}
