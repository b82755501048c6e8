// Package connection implements the per-connection endpoint (spec.md
// §4.4): framing and unframing bytes over one TLS connection, dispatching
// inbound commands to a Locator, and the liveness Pinger (§4.5) that rides
// alongside it.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clusterforge/controlplane/internal/changesource"
	"github.com/clusterforge/controlplane/pkg/protocol"
)

// ErrClosed is returned by SendCommand/SendNoReply once the endpoint has
// been closed.
var ErrClosed = errors.New("connection: closed")

// PingInterval is how often the Pinger emits a NoOp on an idle
// connection, per spec.md §4.5.
const PingInterval = 30 * time.Second

type pendingReply struct {
	args protocol.Frame
	err  error
}

// Endpoint is one TCP/TLS connection to a peer (either the control
// service's view of one agent, or an agent's view of the control
// service). It owns exactly one changesource.Source for the lifetime of
// the connection.
type Endpoint struct {
	conn    net.Conn
	locator Locator
	log     *logrus.Entry
	Source  *changesource.Source

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan pendingReply
	nextAsk atomic.Uint64

	pinger *Pinger

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps conn as an Endpoint. Its changesource.Source is created
// immediately so a caller can build a per-connection Locator bound to it
// before traffic flows; install that Locator with SetLocator before
// calling Serve.
func New(conn net.Conn, log *logrus.Entry) *Endpoint {
	e := &Endpoint{
		conn:    conn,
		log:     log,
		Source:  changesource.New(),
		pending: make(map[string]chan pendingReply),
		closed:  make(chan struct{}),
	}
	e.pinger = NewPinger(PingInterval, func() error {
		return e.SendNoReply(protocol.NoOp, protocol.Frame{})
	})
	return e
}

// SetLocator installs the Locator used to dispatch inbound commands. Must
// be called before Serve.
func (e *Endpoint) SetLocator(locator Locator) {
	e.locator = locator
}

// ID identifies this endpoint by its change-source identity, satisfying
// internal/controlplane's Connection interface.
func (e *Endpoint) ID() string {
	return e.Source.ID()
}

// SendClusterStatus pushes a ClusterStatus command and waits for the
// agent's acknowledgement, satisfying internal/controlplane's Connection
// interface.
func (e *Endpoint) SendClusterStatus(ctx context.Context, args protocol.Frame) error {
	_, err := e.SendCommand(ctx, protocol.ClusterStatus, args)
	return err
}

// Serve runs the endpoint's read loop until the connection is lost or ctx
// is cancelled, calling onConnect once after the read loop is already
// running (so onConnect may itself call SendCommand and receive its
// answer) and onDisconnect exactly once when Serve ends, however it
// ends. It starts and stops the Pinger around the same lifetime.
func (e *Endpoint) Serve(ctx context.Context, onConnect, onDisconnect func(*Endpoint)) error {
	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- e.readLoop(ctx)
	}()

	onConnect(e)
	e.pinger.Start()

	defer func() {
		e.pinger.Stop()
		e.Close()
		onDisconnect(e)
	}()

	select {
	case <-ctx.Done():
		e.Close()
		<-readErrCh
		return ctx.Err()
	case err := <-readErrCh:
		return err
	}
}

func (e *Endpoint) readLoop(ctx context.Context) error {
	for {
		frame, err := protocol.ReadFrame(e.conn)
		if err != nil {
			e.failPending(err)
			if errors.Is(err, io.EOF) || e.isClosed() {
				return nil
			}
			return err
		}

		box, err := protocol.ReadBox(frame)
		if err != nil {
			return err
		}

		if box.AnswerID != "" {
			e.deliverAnswer(box)
			continue
		}
		go e.handleCommand(ctx, box)
	}
}

func (e *Endpoint) handleCommand(ctx context.Context, box protocol.Box) {
	e.Source.SetLastActivity(nowMonotonicSeconds())

	log := e.log.WithField("command", box.Command)
	if taskID, ok := box.Args["eliot_context"]; ok {
		log = log.WithField("task_id", string(taskID))
	}
	result, err := e.locator.Dispatch(ctx, log, box.Command, box.Args)

	if !protocol.RequiresAnswer(box.Command) || box.AskID == "" {
		if err != nil {
			log.WithError(err).Warn("command handler failed (no answer expected)")
		}
		return
	}

	var answer protocol.Box
	if err != nil {
		answer = protocol.Box{AnswerID: box.AskID, ErrorCode: "error", ErrorText: err.Error()}
	} else {
		answer = protocol.Box{AnswerID: box.AskID, Args: result}
	}
	if writeErr := e.writeBox(answer); writeErr != nil {
		log.WithError(writeErr).Warn("failed to write command answer")
	}
}

// SendCommand sends command with args and waits for the peer's answer,
// returning its result fields. It must not be called for NoOp, which
// never receives an answer — use SendNoReply instead.
func (e *Endpoint) SendCommand(ctx context.Context, command string, args protocol.Frame) (protocol.Frame, error) {
	askID := strconv.FormatUint(e.nextAsk.Add(1), 10)
	reply := make(chan pendingReply, 1)

	e.mu.Lock()
	e.pending[askID] = reply
	e.mu.Unlock()

	cleanup := func() {
		e.mu.Lock()
		delete(e.pending, askID)
		e.mu.Unlock()
	}

	if err := e.writeBox(protocol.Box{Command: command, AskID: askID, Args: args}); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		return r.args, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-e.closed:
		cleanup()
		return nil, ErrClosed
	}
}

// SendNoReply sends command fire-and-forget: no answer is awaited, no
// askID is attached. Used for NoOp pings.
func (e *Endpoint) SendNoReply(command string, args protocol.Frame) error {
	return e.writeBox(protocol.Box{Command: command, Args: args})
}

func (e *Endpoint) writeBox(box protocol.Box) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.isClosed() {
		return ErrClosed
	}
	return protocol.WriteBox(e.conn, box)
}

func (e *Endpoint) deliverAnswer(box protocol.Box) {
	e.mu.Lock()
	reply, ok := e.pending[box.AnswerID]
	delete(e.pending, box.AnswerID)
	e.mu.Unlock()
	if !ok {
		return
	}
	if box.IsError() {
		reply <- pendingReply{err: fmt.Errorf("remote error %s: %s", box.ErrorCode, box.ErrorText)}
		return
	}
	reply <- pendingReply{args: box.Args}
}

func (e *Endpoint) failPending(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, reply := range e.pending {
		reply <- pendingReply{err: cause}
		delete(e.pending, id)
	}
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// Close closes the underlying connection. Safe to call more than once and
// from multiple goroutines.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.conn.Close()
	})
	return err
}

func nowMonotonicSeconds() int64 {
	return time.Now().Unix()
}
