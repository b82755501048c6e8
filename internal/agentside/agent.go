// Package agentside implements the agent side of the control protocol:
// reporting local container state to the control service and reconciling
// against the ClusterStatus pushes it receives in return (spec.md §4's
// agent responsibilities).
package agentside

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/clusterforge/controlplane/internal/connection"
	"github.com/clusterforge/controlplane/pkg/clustermodel"
	"github.com/clusterforge/controlplane/pkg/protocol"
)

// Reporter lets an Agent push local state changes back to the control
// service. NewReporter builds one around a *connection.Endpoint's
// SendCommand method.
type Reporter interface {
	ReportNodeState(ctx context.Context, changes []clustermodel.ClusterStateChange) error
}

// Agent reacts to the connection lifecycle and to ClusterStatus pushes
// from the control service. ClusterUpdated must be idempotent: the
// control service may resend the same (or an older) state after a
// reconnect, and a duplicate or out-of-order delivery must not corrupt
// local reconciliation (spec.md §6).
type Agent interface {
	// Connected is called once the connection to the control service is
	// established, with a Reporter the Agent may retain for later use.
	Connected(reporter Reporter)
	// Disconnected is called once the connection is lost. The Agent
	// should stop using any Reporter it was given.
	Disconnected()
	// ClusterUpdated delivers a new desired configuration and observed
	// state, tagged with the control service's TaskID for correlating
	// log output across both ends of the connection.
	ClusterUpdated(ctx context.Context, configuration clustermodel.Deployment, state clustermodel.DeploymentState, taskID string)
}

// endpointReporter adapts a connection endpoint's SendCommand function to
// the Reporter interface, so a Reporter depends only on that one method
// rather than on the whole endpoint.
type endpointReporter struct {
	send func(ctx context.Context, command string, args protocol.Frame) (protocol.Frame, error)
}

// NewReporter builds a Reporter around an endpoint's SendCommand method.
func NewReporter(sendCommand func(ctx context.Context, command string, args protocol.Frame) (protocol.Frame, error)) Reporter {
	return endpointReporter{send: sendCommand}
}

func (r endpointReporter) ReportNodeState(ctx context.Context, changes []clustermodel.ClusterStateChange) error {
	args, err := protocol.EncodeNodeStateArgs(protocol.NodeStateArgs{StateChanges: changes})
	if err != nil {
		return err
	}
	_, err = r.send(ctx, protocol.NodeState, args)
	return err
}

// NewAgentLocator builds the agent's side of the wire protocol: it
// decodes inbound ClusterStatus pushes and hands them to agent, and
// answers NoOp pings with nothing. Version and NodeState are sent by the
// agent, never received, so they have no handler here.
func NewAgentLocator(agent Agent) connection.Locator {
	return dispatchTable{agent: agent}
}

type dispatchTable struct {
	agent Agent
}

func (t dispatchTable) Dispatch(ctx context.Context, log *logrus.Entry, command string, args protocol.Frame) (protocol.Frame, error) {
	switch command {
	case protocol.ClusterStatus:
		req, err := protocol.DecodeClusterStatusArgs(args)
		if err != nil {
			return nil, err
		}
		t.agent.ClusterUpdated(ctx, req.Configuration, req.State, req.TaskID)
		return protocol.Frame{}, nil
	case protocol.NoOp:
		return nil, nil
	default:
		return nil, protocol.ErrUnknownCommand
	}
}
