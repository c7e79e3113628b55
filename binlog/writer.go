package binlog

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	SnapLen = 65535
	// LinkTypeUser0 is DLT_USER0; records are not Ethernet frames.
	LinkTypeUser0 = layers.LinkType(147)

	phdr2Len = 8 // flag u16, port u16, ipv4
)

// Record flags carried in the secondary header.
const (
	FlagRx     = 0x001
	FlagStats  = 0x010 // metadata, not replayed
	FlagUDP    = 0x100
	FlagSerial = 0x200

	FlagUDPRx    = FlagRx | FlagUDP
	FlagSerialRx = FlagRx | FlagSerial
)

// Writer appends raw frames to a pcap file. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	c   io.Closer
	w   *pcapgo.Writer
	buf []byte
	now func() time.Time
}

func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewStreamWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.c = f
	return w, nil
}

// NewStreamWriter writes the file header to w and returns a Writer that does
// not own it.
func NewStreamWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(SnapLen, LinkTypeUser0); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &Writer{w: pw, buf: make([]byte, 0, 256), now: time.Now}, nil
}

// WritePacket records data received now from addr.
func (w *Writer) WritePacket(flag uint16, addr *net.UDPAddr, data []byte) error {
	return w.WritePacketAt(w.now(), flag, addr, data)
}

// WritePacketAt records data with an explicit capture time.
func (w *Writer) WritePacketAt(ts time.Time, flag uint16, addr *net.UDPAddr, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf[:0], make([]byte, phdr2Len)...)
	putPhdr2(w.buf, flag, addr)
	w.buf = append(w.buf, data...)

	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(w.buf),
		Length:        len(w.buf),
	}
	if err := w.w.WritePacket(ci, w.buf); err != nil {
		return fmt.Errorf("pcap record: %w", err)
	}
	return nil
}

func putPhdr2(b []byte, flag uint16, addr *net.UDPAddr) {
	b[0] = byte(flag)
	b[1] = byte(flag >> 8)
	if addr == nil {
		return
	}
	b[2] = byte(addr.Port)
	b[3] = byte(addr.Port >> 8)
	// Network byte order is preserved for the address bytes.
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(b[4:8], ip4)
	}
}

func (w *Writer) Close() error {
	if w.c == nil {
		return nil
	}
	return w.c.Close()
}
