package server

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"tofengine-go/binlog"
	"tofengine-go/fusion"
	"tofengine-go/monitoring"
)

const (
	DefaultPort   = 44333
	MaxPacketSize = 65535
)

// UdpServer receives frames from vehicles or their radio gateways.
type UdpServer struct {
	*Processor
	conn    *net.UDPConn
	running atomic.Bool
}

// NewUdpServer binds port on all interfaces. Port 0 picks an ephemeral port.
func NewUdpServer(port int, pipeline *fusion.Pipeline) (*UdpServer, error) {
	if port < 0 {
		port = DefaultPort
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port, IP: net.IPv4zero})
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadBuffer(256 * 1024); err != nil {
		monitoring.Logf("set udp read buffer: %v", err)
	}
	return &UdpServer{Processor: NewProcessor(pipeline), conn: conn}, nil
}

func (s *UdpServer) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Start serves until Stop is called.
func (s *UdpServer) Start() {
	s.running.Store(true)
	buf := make([]byte, MaxPacketSize)
	monitoring.Logf("UDP server listening on %s", s.conn.LocalAddr())

	for s.running.Load() {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.running.Load() {
				monitoring.Logf("read error: %v", err)
				continue
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.HandlePacket(data, addr, time.Now().UnixMilli(), binlog.FlagUDPRx)
	}
}

func (s *UdpServer) Stop() {
	s.running.Store(false)
	s.conn.Close()
}

// SendTo writes a raw frame back to the last address addr was heard from.
func (s *UdpServer) SendTo(addr uint32, frame []byte) error {
	dst, ok := s.Source(addr)
	if !ok {
		return &net.AddrError{Err: "no route to vehicle", Addr: fmt.Sprintf("%08X", addr)}
	}
	_, err := s.conn.WriteToUDP(frame, dst)
	return err
}
