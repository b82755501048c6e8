package controlplane

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/clusterforge/controlplane/internal/changesource"
	"github.com/clusterforge/controlplane/internal/connection"
	"github.com/clusterforge/controlplane/pkg/protocol"
)

// ProtocolVersion is the major protocol version the control service
// answers with on a Version command.
const ProtocolVersion = 1

// NewControlServiceLocator builds the control service's side of the wire
// protocol for one connection: Version handshake, NodeState ingestion
// attributed to source, and a no-op NoOp handler. It is bound to source
// so that every NodeState report is attributed to the connection that
// sent it, matching spec.md §3's per-connection change-source identity.
func NewControlServiceLocator(engine *Engine, source *changesource.Source) connection.Locator {
	return connection.Table{
		protocol.Version: func(ctx context.Context, log *logrus.Entry, args protocol.Frame) (protocol.Frame, error) {
			if _, err := protocol.DecodeVersionArgs(args); err != nil {
				return nil, err
			}
			return protocol.EncodeVersionAnswer(protocol.VersionAnswer{Major: ProtocolVersion}), nil
		},
		protocol.NodeState: func(ctx context.Context, log *logrus.Entry, args protocol.Frame) (protocol.Frame, error) {
			req, err := protocol.DecodeNodeStateArgs(args)
			if err != nil {
				return nil, err
			}
			log.WithField("changes", len(req.StateChanges)).Debug("node state reported")
			engine.NodeChanged(source.ID(), req.StateChanges)
			return protocol.Frame{}, nil
		},
		protocol.NoOp: func(ctx context.Context, log *logrus.Entry, args protocol.Frame) (protocol.Frame, error) {
			return nil, nil
		},
	}
}
