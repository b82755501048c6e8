package connection

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/clusterforge/controlplane/pkg/protocol"
)

// Locator binds an inbound command name to a handler. The control service
// and the agent each install their own Locator (built by
// controlplane.NewControlServiceLocator and agentside.NewAgentLocator
// respectively), matching spec.md §4.4's "dispatch by
// command name" responsibility — re-expressed per spec.md §9 as a static
// table from command name to handler rather than the source's dynamic
// lookup-and-decorate pattern.
type Locator interface {
	Dispatch(ctx context.Context, log *logrus.Entry, command string, args protocol.Frame) (protocol.Frame, error)
}

// HandlerFunc adapts a plain function to a per-command handler.
type HandlerFunc func(ctx context.Context, log *logrus.Entry, args protocol.Frame) (protocol.Frame, error)

// Table is a Locator backed by a static map from command name to handler,
// the shape spec.md §9 calls for in place of the source's decorator-based
// dispatch.
type Table map[string]HandlerFunc

// Dispatch implements Locator.
func (t Table) Dispatch(ctx context.Context, log *logrus.Entry, command string, args protocol.Frame) (protocol.Frame, error) {
	handler, ok := t[command]
	if !ok {
		return nil, protocol.ErrUnknownCommand
	}
	return handler(ctx, log, args)
}
