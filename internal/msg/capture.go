package msg

import (
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// CaptureCarrier wraps a carrier and writes every frame it sends or
// receives to a pcap stream, the way the wire protocol gets debugged.
type CaptureCarrier struct {
	inner Carrier

	mu sync.Mutex
	w  *pcapgo.Writer
}

// NewCaptureCarrier taps inner, writing a pcap stream to out.
func NewCaptureCarrier(inner Carrier, out io.Writer) (*CaptureCarrier, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(uint32(ethHeaderLen+hdrLen+MaxBody), layers.LinkTypeEthernet); err != nil {
		return nil, err
	}
	return &CaptureCarrier{inner: inner, w: w}, nil
}

func (c *CaptureCarrier) record(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

func (c *CaptureCarrier) Send(frame []byte) error {
	c.record(frame)
	return c.inner.Send(frame)
}

func (c *CaptureCarrier) SetReceiver(recv func(frame []byte)) {
	c.inner.SetReceiver(func(frame []byte) {
		c.record(frame)
		recv(frame)
	})
}

func (c *CaptureCarrier) Close() error { return c.inner.Close() }

var _ Carrier = (*CaptureCarrier)(nil)
