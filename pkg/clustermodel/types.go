// Package clustermodel holds the data types the control service and its
// agents exchange: the desired configuration, the observed cluster state,
// and individual state-change observations. The types are opaque payloads
// as far as the wire codec is concerned — it only needs them to be
// gob-encodable. They hold map fields, so unlike the source's equality-
// comparable objects they cannot be used directly as Go map keys; compare
// with Equal and key caches on a separate comparable identity instead
// (see internal/encodingcache).
package clustermodel

import "reflect"

// NodeConfig is the desired configuration for a single cluster node.
type NodeConfig struct {
	Image       string
	Environment map[string]string
	Ports       []uint16
}

// Deployment is the immutable, authoritative desired configuration for the
// whole cluster.
type Deployment struct {
	Version uint64
	Nodes   map[string]NodeConfig
}

// Equal reports whether d and other describe the same desired state.
func (d Deployment) Equal(other Deployment) bool {
	return reflect.DeepEqual(d, other)
}

// ContainerState is one container's observed status on a node.
type ContainerState struct {
	Name     string
	Running  bool
	Restarts uint32
}

// NodeStatus is one node's observed status, as last reported by its agent.
type NodeStatus struct {
	Containers []ContainerState
	Generation uint64
}

// DeploymentState is the immutable, cluster-wide snapshot of observed
// state, produced by merging every node's latest ClusterStateChange.
type DeploymentState struct {
	Nodes map[string]NodeStatus
}

// Equal reports whether s and other are the same observed snapshot.
func (s DeploymentState) Equal(other DeploymentState) bool {
	return reflect.DeepEqual(s, other)
}

// ClusterStateChange is one local-state observation produced by a single
// agent. A NodeState command always carries a non-empty sequence of these.
type ClusterStateChange struct {
	NodeID string
	Status NodeStatus
}
