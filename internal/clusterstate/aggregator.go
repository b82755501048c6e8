// Package clusterstate implements the cluster-state aggregator: the
// single-writer, in-memory merge of every node's latest reported
// ClusterStateChange into one cluster-wide DeploymentState snapshot.
//
// spec.md treats the aggregator as an external collaborator; this is the
// concrete implementation the control service runs against, grounded on
// the teacher's map-plus-mutex Registry shape (pkg/k8s/registry.go in the
// teacher repo).
package clusterstate

import (
	"sync"

	"github.com/clusterforge/controlplane/pkg/clustermodel"
)

// Aggregator merges per-node state observations into a cluster-wide
// snapshot. It is single-writer: ApplyChangesFromSource is only ever
// called from the control fan-out engine's owning goroutine.
type Aggregator struct {
	mu    sync.RWMutex
	nodes map[string]clustermodel.NodeStatus
}

// New returns an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{nodes: make(map[string]clustermodel.NodeStatus)}
}

// ApplyChangesFromSource merges changes reported by source into the
// aggregator's view. Later changes for a node overwrite earlier ones;
// provenance (source) is accepted for parity with the spec's
// apply_changes_from_source(source, changes) contract but this
// implementation does not need to retain it beyond the merge itself,
// since per-source recency is tracked separately by changesource.Source.
func (a *Aggregator) ApplyChangesFromSource(source string, changes []clustermodel.ClusterStateChange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range changes {
		a.nodes[c.NodeID] = c.Status
	}
	_ = source
}

// AsDeployment returns the current cluster-wide observed state.
func (a *Aggregator) AsDeployment() clustermodel.DeploymentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	nodes := make(map[string]clustermodel.NodeStatus, len(a.nodes))
	for k, v := range a.nodes {
		nodes[k] = v
	}
	return clustermodel.DeploymentState{Nodes: nodes}
}
