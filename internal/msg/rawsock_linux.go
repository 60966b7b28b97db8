//go:build linux

package msg

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// RawSocketCarrier moves frames over an AF_PACKET socket bound to one
// interface, for clusters spanning a real LAN segment. A classic BPF
// filter keeps the kernel from waking us for anything but protocol
// frames.
type RawSocketCarrier struct {
	fd      int
	ifindex int

	mu   sync.Mutex
	recv func(frame []byte)

	closed chan struct{}
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// NewRawSocketCarrier opens the interface for EtherType 0x0019 frames.
func NewRawSocketCarrier(ifname string) (*RawSocketCarrier, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("msg: interface %s: %w", ifname, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(EtherType)))
	if err != nil {
		return nil, fmt.Errorf("msg: raw socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(EtherType),
		Ifindex:  ifi.Index,
	}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("msg: bind %s: %w", ifname, err)
	}

	if err := attachFilter(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	c := &RawSocketCarrier{fd: fd, ifindex: ifi.Index, closed: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

// attachFilter installs `ether proto 0x0019` as classic BPF.
func attachFilter(fd int) error {
	prog, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: EtherType, SkipFalse: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
	})
	if err != nil {
		return fmt.Errorf("msg: assemble filter: %w", err)
	}

	filter := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		filter[i] = unix.SockFilter{
			Code: ins.Op,
			Jt:   ins.Jt,
			Jf:   ins.Jf,
			K:    ins.K,
		}
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog); err != nil {
		return fmt.Errorf("msg: attach filter: %w", err)
	}
	return nil
}

func (c *RawSocketCarrier) Send(frame []byte) error {
	var addr [8]byte
	copy(addr[:], frame[0:6])
	return unix.Sendto(c.fd, frame, 0, &unix.SockaddrLinklayer{
		Protocol: htons(EtherType),
		Ifindex:  c.ifindex,
		Halen:    6,
		Addr:     addr,
	})
}

func (c *RawSocketCarrier) SetReceiver(recv func(frame []byte)) {
	c.mu.Lock()
	c.recv = recv
	c.mu.Unlock()
}

func (c *RawSocketCarrier) Close() error {
	close(c.closed)
	return unix.Close(c.fd)
}

func (c *RawSocketCarrier) readLoop() {
	buf := make([]byte, ethHeaderLen+hdrLen+MaxBody)
	for {
		n, _, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n < ethHeaderLen {
			continue
		}
		c.mu.Lock()
		recv := c.recv
		c.mu.Unlock()
		if recv != nil {
			recv(append([]byte(nil), buf[:n]...))
		}
	}
}

var _ Carrier = (*RawSocketCarrier)(nil)
