// Package cluster holds the node directory: which machines form the
// cluster, which vCPUs and guest memory slice each one owns, and how to
// reach them on the interconnect. Every node expands the directory from
// the shared cluster config; bring-up checks it against node 0's view
// and it is immutable once every node reports ONLINE.
package cluster

import (
	"bytes"
	"fmt"
)

// NodeMax bounds the cluster size. Copysets are stored as one bit per
// node inside stage-2 PTE software bits, so this cannot grow past 8
// without a side table.
const NodeMax = 8

// VCPUPerNodeMax bounds how many guest vCPUs a single node may host.
const VCPUPerNodeMax = 4

// NodeStatus tracks a node through bring-up.
type NodeStatus int

const (
	NodeNull NodeStatus = iota
	NodeAck
	NodeOnline
	NodeDead
)

func (s NodeStatus) String() string {
	switch s {
	case NodeNull:
		return "null"
	case NodeAck:
		return "ack"
	case NodeOnline:
		return "online"
	case NodeDead:
		return "dead"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MemRange is a half-open guest physical range [Start, Start+Size).
type MemRange struct {
	Start uint64
	Size  uint64
}

func (m MemRange) Contains(ipa uint64) bool {
	return ipa >= m.Start && ipa < m.Start+m.Size
}

// Node describes one cluster member.
type Node struct {
	ID     int
	Status NodeStatus
	MAC    [6]byte
	Mem    MemRange
	VCPUs  []uint32
}

// Directory enumerates the cluster. All lookups are linear scans; the
// cluster is small and the tables never change after bring-up.
type Directory struct {
	nodes []Node
	local int
}

// New builds a directory from fully-populated node records. Records must
// be listed in node-id order starting at 0.
func New(local int, nodes []Node) (*Directory, error) {
	if len(nodes) == 0 || len(nodes) > NodeMax {
		return nil, fmt.Errorf("cluster: %d nodes (max %d)", len(nodes), NodeMax)
	}
	for i, n := range nodes {
		if n.ID != i {
			return nil, fmt.Errorf("cluster: node %d listed at index %d", n.ID, i)
		}
		if len(n.VCPUs) > VCPUPerNodeMax {
			return nil, fmt.Errorf("cluster: node %d has %d vcpus (max %d)", n.ID, len(n.VCPUs), VCPUPerNodeMax)
		}
	}
	if local < 0 || local >= len(nodes) {
		return nil, fmt.Errorf("cluster: local node %d out of range", local)
	}
	return &Directory{nodes: nodes, local: local}, nil
}

// LocalID returns the id of the node this process runs on.
func (d *Directory) LocalID() int { return d.local }

// Len returns the number of nodes in the cluster.
func (d *Directory) Len() int { return len(d.nodes) }

// Node returns the record for nodeid, or nil if out of range.
func (d *Directory) Node(nodeid int) *Node {
	if nodeid < 0 || nodeid >= len(d.nodes) {
		return nil
	}
	return &d.nodes[nodeid]
}

// Me returns the local node record.
func (d *Directory) Me() *Node { return &d.nodes[d.local] }

// NodeByMAC returns the node with the given interconnect address, or nil.
func (d *Directory) NodeByMAC(mac [6]byte) *Node {
	for i := range d.nodes {
		if bytes.Equal(d.nodes[i].MAC[:], mac[:]) {
			return &d.nodes[i]
		}
	}
	return nil
}

// NodeOfVCPU returns the node hosting the given cluster-wide vCPU id,
// or nil if no node lists it.
func (d *Directory) NodeOfVCPU(vcpuid uint32) *Node {
	for i := range d.nodes {
		for _, v := range d.nodes[i].VCPUs {
			if v == vcpuid {
				return &d.nodes[i]
			}
		}
	}
	return nil
}

// VCPULocal reports whether the given vCPU is hosted on the local node.
func (d *Directory) VCPULocal(vcpuid uint32) bool {
	n := d.NodeOfVCPU(vcpuid)
	return n != nil && n.ID == d.local
}

// ManagerOf returns the id of the node whose memory slice covers ipa,
// or -1 if the address is outside guest RAM.
func (d *Directory) ManagerOf(ipa uint64) int {
	for i := range d.nodes {
		if d.nodes[i].Mem.Contains(ipa) {
			return d.nodes[i].ID
		}
	}
	return -1
}

// NVCPUs returns the total number of guest vCPUs in the cluster.
func (d *Directory) NVCPUs() int {
	n := 0
	for i := range d.nodes {
		n += len(d.nodes[i].VCPUs)
	}
	return n
}

// RAM returns the full guest physical range covered by the cluster,
// assuming contiguous per-node slices in node order.
func (d *Directory) RAM() MemRange {
	var total uint64
	for i := range d.nodes {
		total += d.nodes[i].Mem.Size
	}
	return MemRange{Start: d.nodes[0].Mem.Start, Size: total}
}
