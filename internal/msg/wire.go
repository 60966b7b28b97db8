package msg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vsm/internal/cluster"
)

// EtherType of the cluster protocol.
const EtherType = 0x0019

const (
	ethHeaderLen = 14
	hdrLen       = 64
	argsOff      = 16 // src(4) type(4) req_cpu(4) pad(4)
	argsLen      = hdrLen - argsOff
)

var errNotOurs = errors.New("msg: not a cluster frame")

// Args are the type-specific fields of the 64-byte header. The zero
// NoArgs is used by types with none.
type Args interface {
	encodeArgs(b []byte)
}

type NoArgs struct{}

func (NoArgs) encodeArgs([]byte) {}

// InitAckArgs answers a bootstrap INIT broadcast.
type InitAckArgs struct {
	NVCPU     int32
	Allocated uint64
}

func (a *InitAckArgs) encodeArgs(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(a.NVCPU))
	binary.LittleEndian.PutUint64(b[8:], a.Allocated)
}

// ClusterInfoArgs heads the directory broadcast; the node records ride
// in the body.
type ClusterInfoArgs struct {
	NNodes int32
}

func (a *ClusterInfoArgs) encodeArgs(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(a.NNodes))
}

// SetupDoneArgs reports bring-up completion to node 0.
type SetupDoneArgs struct {
	Status uint8
}

func (a *SetupDoneArgs) encodeArgs(b []byte) { b[0] = a.Status }

// CPUWakeupArgs asks a remote node to start one of its vCPUs.
type CPUWakeupArgs struct {
	VCPUID uint32
	Entry  uint64
}

func (a *CPUWakeupArgs) encodeArgs(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], a.VCPUID)
	binary.LittleEndian.PutUint64(b[8:], a.Entry)
}

// FetchKind distinguishes read from write fetches.
type FetchKind uint32

const (
	FetchRead  FetchKind = 0
	FetchWrite FetchKind = 1
)

func (k FetchKind) String() string {
	if k == FetchWrite {
		return "write"
	}
	return "read"
}

// FetchArgs requests a page from the manager or owner of its IPA.
// ReqNode survives forwarding so the final owner replies directly to
// the original requester.
type FetchArgs struct {
	IPA     uint64
	ReqNode uint8
	Kind    FetchKind
}

func (a *FetchArgs) encodeArgs(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], a.IPA)
	b[8] = a.ReqNode
	binary.LittleEndian.PutUint32(b[12:], uint32(a.Kind))
}

// FetchReplyArgs heads a fetch reply; the page contents are the body.
type FetchReplyArgs struct {
	IPA     uint64
	Copyset uint64
	WNR     bool // false: read reply, true: write reply
}

func (a *FetchReplyArgs) encodeArgs(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], a.IPA)
	binary.LittleEndian.PutUint64(b[8:], a.Copyset)
	if a.WNR {
		b[16] = 1
	}
}

// InvalidateArgs tells copy holders to drop a page.
type InvalidateArgs struct {
	IPA      uint64
	Copyset  uint64
	FromNode uint8
}

func (a *InvalidateArgs) encodeArgs(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], a.IPA)
	binary.LittleEndian.PutUint64(b[8:], a.Copyset)
	b[16] = a.FromNode
}

// SGIArgs routes a software-generated interrupt to a remote vCPU.
type SGIArgs struct {
	TargetVCPU int32
	SGIID      int32
}

func (a *SGIArgs) encodeArgs(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(a.TargetVCPU))
	binary.LittleEndian.PutUint32(b[4:], uint32(a.SGIID))
}

func decodeArgs(t Type, b []byte) (Args, error) {
	switch t {
	case TypeInit, TypeCPUWakeupAck, TypeNone:
		return NoArgs{}, nil
	case TypeSetupDone:
		return &SetupDoneArgs{Status: b[0]}, nil
	case TypeInitAck:
		return &InitAckArgs{
			NVCPU:     int32(binary.LittleEndian.Uint32(b[0:])),
			Allocated: binary.LittleEndian.Uint64(b[8:]),
		}, nil
	case TypeClusterInfo:
		return &ClusterInfoArgs{NNodes: int32(binary.LittleEndian.Uint32(b[0:]))}, nil
	case TypeCPUWakeup:
		return &CPUWakeupArgs{
			VCPUID: binary.LittleEndian.Uint32(b[0:]),
			Entry:  binary.LittleEndian.Uint64(b[8:]),
		}, nil
	case TypeFetch:
		return &FetchArgs{
			IPA:     binary.LittleEndian.Uint64(b[0:]),
			ReqNode: b[8],
			Kind:    FetchKind(binary.LittleEndian.Uint32(b[12:])),
		}, nil
	case TypeFetchReply:
		return &FetchReplyArgs{
			IPA:     binary.LittleEndian.Uint64(b[0:]),
			Copyset: binary.LittleEndian.Uint64(b[8:]),
			WNR:     b[16] != 0,
		}, nil
	case TypeInvalidate:
		return &InvalidateArgs{
			IPA:      binary.LittleEndian.Uint64(b[0:]),
			Copyset:  binary.LittleEndian.Uint64(b[8:]),
			FromNode: b[16],
		}, nil
	case TypeSGI:
		return &SGIArgs{
			TargetVCPU: int32(binary.LittleEndian.Uint32(b[0:])),
			SGIID:      int32(binary.LittleEndian.Uint32(b[4:])),
		}, nil
	}
	return nil, fmt.Errorf("msg: unknown type %#x", uint32(t))
}

// encodeFrame lays out [eth header][msg header][body].
func encodeFrame(src, dst [6]byte, m *Msg) ([]byte, error) {
	if len(m.Body) > MaxBody {
		return nil, fmt.Errorf("msg: body %d exceeds %d", len(m.Body), MaxBody)
	}
	frame := make([]byte, ethHeaderLen+hdrLen+len(m.Body))

	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], EtherType)

	hdr := frame[ethHeaderLen:]
	binary.LittleEndian.PutUint32(hdr[0:], uint32(m.Src))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(m.Type))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(m.ReqCPU))
	if m.Args != nil {
		m.Args.encodeArgs(hdr[argsOff:hdrLen])
	}

	copy(frame[ethHeaderLen+hdrLen:], m.Body)
	return frame, nil
}

func decodeFrame(frame []byte) (srcMAC, dstMAC [6]byte, m *Msg, err error) {
	if len(frame) < ethHeaderLen+hdrLen {
		return srcMAC, dstMAC, nil, fmt.Errorf("msg: short frame (%d bytes)", len(frame))
	}
	if binary.BigEndian.Uint16(frame[12:14]) != EtherType {
		return srcMAC, dstMAC, nil, errNotOurs
	}
	copy(dstMAC[:], frame[0:6])
	copy(srcMAC[:], frame[6:12])

	hdr := frame[ethHeaderLen:]
	m = &Msg{
		Src:    int(binary.LittleEndian.Uint32(hdr[0:])),
		Type:   Type(binary.LittleEndian.Uint32(hdr[4:])),
		ReqCPU: int(int32(binary.LittleEndian.Uint32(hdr[8:]))),
	}
	if int(m.Type) >= numTypes {
		return srcMAC, dstMAC, nil, fmt.Errorf("msg: unknown type %#x", uint32(m.Type))
	}
	m.Args, err = decodeArgs(m.Type, hdr[argsOff:hdrLen])
	if err != nil {
		return srcMAC, dstMAC, nil, err
	}
	if body := frame[ethHeaderLen+hdrLen:]; len(body) > 0 {
		m.Body = body
	}
	return srcMAC, dstMAC, m, nil
}

// Cluster node records as carried in a CLUSTER_INFO body.
const nodeRecLen = 4 + 4 + 6 + 2 + 8 + 8 + 4 + 4*cluster.VCPUPerNodeMax

// EncodeClusterInfoBody serializes the directory's node records.
func EncodeClusterInfoBody(nodes []cluster.Node) []byte {
	body := make([]byte, len(nodes)*nodeRecLen)
	for i, n := range nodes {
		b := body[i*nodeRecLen:]
		binary.LittleEndian.PutUint32(b[0:], uint32(n.ID))
		binary.LittleEndian.PutUint32(b[4:], uint32(n.Status))
		copy(b[8:14], n.MAC[:])
		binary.LittleEndian.PutUint64(b[16:], n.Mem.Start)
		binary.LittleEndian.PutUint64(b[24:], n.Mem.Size)
		binary.LittleEndian.PutUint32(b[32:], uint32(len(n.VCPUs)))
		for j, v := range n.VCPUs {
			binary.LittleEndian.PutUint32(b[36+4*j:], v)
		}
	}
	return body
}

// DecodeClusterInfoBody parses a CLUSTER_INFO body.
func DecodeClusterInfoBody(body []byte, nnodes int) ([]cluster.Node, error) {
	if nnodes <= 0 || nnodes > cluster.NodeMax || len(body) < nnodes*nodeRecLen {
		return nil, fmt.Errorf("msg: cluster info body %d bytes for %d nodes", len(body), nnodes)
	}
	nodes := make([]cluster.Node, nnodes)
	for i := range nodes {
		b := body[i*nodeRecLen:]
		n := cluster.Node{
			ID:     int(binary.LittleEndian.Uint32(b[0:])),
			Status: cluster.NodeStatus(binary.LittleEndian.Uint32(b[4:])),
		}
		copy(n.MAC[:], b[8:14])
		n.Mem.Start = binary.LittleEndian.Uint64(b[16:])
		n.Mem.Size = binary.LittleEndian.Uint64(b[24:])
		nv := int(binary.LittleEndian.Uint32(b[32:]))
		if nv > cluster.VCPUPerNodeMax {
			return nil, fmt.Errorf("msg: node %d: %d vcpus", n.ID, nv)
		}
		for j := 0; j < nv; j++ {
			n.VCPUs = append(n.VCPUs, binary.LittleEndian.Uint32(b[36+4*j:]))
		}
		nodes[i] = n
	}
	return nodes, nil
}
