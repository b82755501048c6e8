package persistence

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clusterforge/controlplane/pkg/clustermodel"
)

// loadDeployment reads and parses the YAML configuration file at path.
func loadDeployment(path string) (clustermodel.Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return clustermodel.Deployment{}, fmt.Errorf("persistence: reading %s: %w", path, err)
	}

	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return clustermodel.Deployment{}, fmt.Errorf("persistence: parsing %s: %w", path, err)
	}
	return toDeployment(cfg), nil
}

func toDeployment(cfg configFile) clustermodel.Deployment {
	nodes := make(map[string]clustermodel.NodeConfig, len(cfg.Nodes))
	for name, n := range cfg.Nodes {
		nodes[name] = clustermodel.NodeConfig{
			Image:       n.Image,
			Environment: n.Environment,
			Ports:       n.Ports,
		}
	}
	return clustermodel.Deployment{Version: cfg.Version, Nodes: nodes}
}
