package cluster

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the per-node section of a cluster config file.
type NodeConfig struct {
	MAC      string `yaml:"mac"`
	NVCPU    int    `yaml:"nvcpu"`
	Allocate uint64 `yaml:"allocate"` // bytes of guest RAM this node contributes
}

// Config is the on-disk cluster description loaded by every node. Node 0
// is always the bootstrap node; the list order fixes node ids.
type Config struct {
	RAMStart uint64       `yaml:"ram_start"`
	Nodes    []NodeConfig `yaml:"nodes"`
}

// LoadConfig reads and validates a YAML cluster config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cluster: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("cluster: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Nodes) == 0 || len(c.Nodes) > NodeMax {
		return fmt.Errorf("%d nodes (want 1..%d)", len(c.Nodes), NodeMax)
	}
	for i, n := range c.Nodes {
		if _, err := net.ParseMAC(n.MAC); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
		if n.NVCPU <= 0 || n.NVCPU > VCPUPerNodeMax {
			return fmt.Errorf("node %d: nvcpu %d (want 1..%d)", i, n.NVCPU, VCPUPerNodeMax)
		}
		if n.Allocate == 0 || n.Allocate%(1<<12) != 0 {
			return fmt.Errorf("node %d: allocate %#x not page aligned", i, n.Allocate)
		}
	}
	return nil
}

// Directory expands the config into a fully-populated directory, the
// same assignment node 0 performs during bring-up: vCPU ids count up
// across nodes in order, memory slices are carved contiguously from
// RAMStart.
func (c *Config) Directory(local int) (*Directory, error) {
	nodes := make([]Node, len(c.Nodes))
	nextVCPU := uint32(0)
	nextRAM := c.RAMStart
	for i, nc := range c.Nodes {
		hw, err := net.ParseMAC(nc.MAC)
		if err != nil {
			return nil, err
		}
		n := Node{ID: i, Status: NodeNull}
		copy(n.MAC[:], hw)
		n.Mem = MemRange{Start: nextRAM, Size: nc.Allocate}
		nextRAM += nc.Allocate
		for v := 0; v < nc.NVCPU; v++ {
			n.VCPUs = append(n.VCPUs, nextVCPU)
			nextVCPU++
		}
		nodes[i] = n
	}
	return New(local, nodes)
}
