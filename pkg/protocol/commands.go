package protocol

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/clusterforge/controlplane/pkg/clustermodel"
)

// Command names, as carried in a Box's Command field.
const (
	Version       = "version"
	NoOp          = "noop"
	ClusterStatus = "cluster_status"
	NodeState     = "node_state"
)

// RequiresAnswer reports whether the named command expects a reply box.
// NoOp never does — both peers emit it fire-and-forget on a timer so that
// a dead peer is detected by transport idleness rather than by waiting on
// an answer that will never come.
func RequiresAnswer(command string) bool {
	return command != NoOp
}

// VersionArgs carries no fields; sent by an agent to ask the control
// service's major protocol version.
type VersionArgs struct{}

// VersionAnswer is the control service's reply to Version.
type VersionAnswer struct {
	Major int
}

// EncodeVersionArgs returns the (empty) argument frame for Version.
func EncodeVersionArgs(VersionArgs) Frame { return Frame{} }

// DecodeVersionArgs accepts any frame, since Version carries no arguments.
func DecodeVersionArgs(Frame) (VersionArgs, error) { return VersionArgs{}, nil }

// EncodeVersionAnswer encodes a VersionAnswer's result frame.
func EncodeVersionAnswer(a VersionAnswer) Frame {
	return Frame{"major": gobEncode(a.Major)}
}

// DecodeVersionAnswer decodes a VersionAnswer result frame.
func DecodeVersionAnswer(f Frame) (VersionAnswer, error) {
	raw, ok := f["major"]
	if !ok {
		return VersionAnswer{}, fmt.Errorf("%w: missing major", ErrMalformedFrame)
	}
	var major int
	if err := gobDecode(raw, &major); err != nil {
		return VersionAnswer{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return VersionAnswer{Major: major}, nil
}

// ClusterStatusArgs is pushed by the control service to every connected
// agent: the current desired configuration, the current observed state,
// and a tracing TaskID threaded across the wire.
type ClusterStatusArgs struct {
	Configuration clustermodel.Deployment
	State         clustermodel.DeploymentState
	TaskID        string
}

// EncodeClusterStatusArgs encodes a ClusterStatusArgs into a frame, Big-
// wrapping Configuration and State since either may exceed MaxValueLength.
func EncodeClusterStatusArgs(a ClusterStatusArgs) Frame {
	return BuildClusterStatusFrame(
		GobEncodeDeployment(a.Configuration),
		GobEncodeDeploymentState(a.State),
		a.TaskID,
	)
}

// GobEncodeDeployment encodes just the Configuration field's bytes. Split
// out from EncodeClusterStatusArgs so a caller broadcasting to many
// connections (internal/controlplane) can memoize it once per fan-out via
// internal/encodingcache instead of re-encoding per connection.
func GobEncodeDeployment(d clustermodel.Deployment) []byte { return gobEncode(d) }

// GobEncodeDeploymentState encodes just the State field's bytes, for the
// same reason as GobEncodeDeployment.
func GobEncodeDeploymentState(s clustermodel.DeploymentState) []byte { return gobEncode(s) }

// BuildClusterStatusFrame assembles a ClusterStatus argument frame from
// already-encoded configuration/state bytes and a per-send TaskID,
// Big-wrapping the two payloads.
func BuildClusterStatusFrame(configurationBytes, stateBytes []byte, taskID string) Frame {
	f := make(Frame, 3)
	PutBig(f, "configuration", configurationBytes)
	PutBig(f, "state", stateBytes)
	f["eliot_context"] = []byte(taskID)
	return f
}

// DecodeClusterStatusArgs reassembles and decodes a ClusterStatusArgs.
func DecodeClusterStatusArgs(f Frame) (ClusterStatusArgs, error) {
	var a ClusterStatusArgs

	cfgBytes, err := requireBig(f, "configuration")
	if err != nil {
		return a, err
	}
	if err := gobDecode(cfgBytes, &a.Configuration); err != nil {
		return a, fmt.Errorf("%w: configuration: %v", ErrMalformedFrame, err)
	}

	stateBytes, err := requireBig(f, "state")
	if err != nil {
		return a, err
	}
	if err := gobDecode(stateBytes, &a.State); err != nil {
		return a, fmt.Errorf("%w: state: %v", ErrMalformedFrame, err)
	}

	taskID, ok := f["eliot_context"]
	if !ok {
		return a, fmt.Errorf("%w: missing eliot_context", ErrMalformedFrame)
	}
	a.TaskID = string(taskID)
	return a, nil
}

// NodeStateArgs is sent by an agent to report a batch of local-state
// observations, always non-empty.
type NodeStateArgs struct {
	StateChanges []clustermodel.ClusterStateChange
	TaskID       string
}

// EncodeNodeStateArgs encodes a NodeStateArgs into a frame.
func EncodeNodeStateArgs(a NodeStateArgs) (Frame, error) {
	if len(a.StateChanges) == 0 {
		return nil, fmt.Errorf("%w: state_changes must be non-empty", ErrArgumentTypeMismatch)
	}
	f := make(Frame, 2)
	PutBig(f, "state_changes", gobEncode(a.StateChanges))
	f["eliot_context"] = []byte(a.TaskID)
	return f, nil
}

// DecodeNodeStateArgs reassembles and decodes a NodeStateArgs.
func DecodeNodeStateArgs(f Frame) (NodeStateArgs, error) {
	var a NodeStateArgs

	changeBytes, err := requireBig(f, "state_changes")
	if err != nil {
		return a, err
	}
	if err := gobDecode(changeBytes, &a.StateChanges); err != nil {
		return a, fmt.Errorf("%w: state_changes: %v", ErrMalformedFrame, err)
	}
	if len(a.StateChanges) == 0 {
		return a, fmt.Errorf("%w: state_changes must be non-empty", ErrMalformedFrame)
	}

	taskID, ok := f["eliot_context"]
	if !ok {
		return a, fmt.Errorf("%w: missing eliot_context", ErrMalformedFrame)
	}
	a.TaskID = string(taskID)
	return a, nil
}

func gobEncode(v interface{}) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		// Only hit for types that cannot be gob-encoded at all, which is
		// a programming error in this package, not a runtime condition.
		panic(fmt.Sprintf("protocol: gob-encoding %T: %v", v, err))
	}
	return buf.Bytes()
}

func gobDecode(data []byte, out interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}
