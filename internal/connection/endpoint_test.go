package connection

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clusterforge/controlplane/pkg/protocol"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestEndpointCommandAnswerRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverTable := Table{
		protocol.Version: func(ctx context.Context, log *logrus.Entry, args protocol.Frame) (protocol.Frame, error) {
			return protocol.EncodeVersionAnswer(protocol.VersionAnswer{Major: 1}), nil
		},
	}

	server := New(serverConn, discardLogger())
	server.SetLocator(serverTable)
	client := New(clientConn, discardLogger())
	client.SetLocator(Table{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.Serve(ctx, func(*Endpoint) {}, func(*Endpoint) {})
	go client.Serve(ctx, func(*Endpoint) {}, func(*Endpoint) {})

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	result, err := client.SendCommand(reqCtx, protocol.Version, protocol.EncodeVersionArgs(protocol.VersionArgs{}))
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	answer, err := protocol.DecodeVersionAnswer(result)
	if err != nil {
		t.Fatalf("DecodeVersionAnswer: %v", err)
	}
	if answer.Major != 1 {
		t.Fatalf("got major %d, want 1", answer.Major)
	}
}

func TestEndpointDispatchUpdatesLastActivity(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	dispatched := make(chan struct{}, 1)
	serverTable := Table{
		protocol.Version: func(ctx context.Context, log *logrus.Entry, args protocol.Frame) (protocol.Frame, error) {
			dispatched <- struct{}{}
			return protocol.EncodeVersionAnswer(protocol.VersionAnswer{Major: 1}), nil
		},
	}

	server := New(serverConn, discardLogger())
	server.SetLocator(serverTable)
	client := New(clientConn, discardLogger())
	client.SetLocator(Table{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, func(*Endpoint) {}, func(*Endpoint) {})
	go client.Serve(ctx, func(*Endpoint) {}, func(*Endpoint) {})

	if before := server.Source.LastActivity(); before != 0 {
		t.Fatalf("expected zero last activity before first dispatch, got %d", before)
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	if _, err := client.SendCommand(reqCtx, protocol.Version, protocol.EncodeVersionArgs(protocol.VersionArgs{})); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("server never dispatched the command")
	}
	if after := server.Source.LastActivity(); after == 0 {
		t.Fatal("expected last activity to be updated after dispatch")
	}
}

func TestEndpointNoOpGetsNoAnswer(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	noopSeen := make(chan struct{}, 1)
	serverTable := Table{
		protocol.NoOp: func(ctx context.Context, log *logrus.Entry, args protocol.Frame) (protocol.Frame, error) {
			noopSeen <- struct{}{}
			return nil, nil
		},
	}

	server := New(serverConn, discardLogger())
	server.SetLocator(serverTable)
	client := New(clientConn, discardLogger())
	client.SetLocator(Table{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, func(*Endpoint) {}, func(*Endpoint) {})
	go client.Serve(ctx, func(*Endpoint) {}, func(*Endpoint) {})

	if err := client.SendNoReply(protocol.NoOp, protocol.Frame{}); err != nil {
		t.Fatalf("SendNoReply: %v", err)
	}

	select {
	case <-noopSeen:
	case <-time.After(time.Second):
		t.Fatal("server never saw the NoOp")
	}
}
