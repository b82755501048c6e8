package persistence

// configFile is the on-disk YAML shape of the desired configuration —
// human-editable, the way the teacher's pkg/config/dsl.go lays out its
// gateway config file.
type configFile struct {
	Version uint64                `yaml:"version"`
	Nodes   map[string]nodeConfig `yaml:"nodes"`
}

type nodeConfig struct {
	Image       string            `yaml:"image"`
	Environment map[string]string `yaml:"environment"`
	Ports       []uint16          `yaml:"ports"`
}
