package rbc

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tofengine-go/monitoring"
)

const (
	tcpQueueLen      = 1000
	tcpDialTimeout   = 2 * time.Second
	tcpWriteTimeout  = 5 * time.Second
	tcpRetryInterval = 500 * time.Millisecond
)

// Each target receives only the lines whose flag is fully covered by its mask.
type udpTarget struct {
	addr *net.UDPAddr
	mask uint32
}

type tcpTarget struct {
	addr  string
	mask  uint32
	lines chan []byte
	done  sync.WaitGroup
}

// Sender fans formatted lines out to UDP and TCP consumers.
type Sender struct {
	mu      sync.RWMutex
	udp     []udpTarget
	tcp     []*tcpTarget
	conn    *net.UDPConn
	header  []byte
	running bool
	dropped atomic.Int64
}

func NewSender() *Sender {
	return &Sender{}
}

// SetHeader prefixes every message with "hdr:". Empty disables the prefix.
func (s *Sender) SetHeader(hdr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hdr == "" {
		s.header = nil
		return
	}
	s.header = []byte(hdr + ":")
}

func (s *Sender) AddUDPSender(addr string, mask uint32) error {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.udp = append(s.udp, udpTarget{addr: uaddr, mask: mask})
	return nil
}

// AddTCPSender registers a consumer that is dialled lazily and redialled
// after write failures. Targets must be added before Start.
func (s *Sender) AddTCPSender(addr string, mask uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tcp = append(s.tcp, &tcpTarget{
		addr:  addr,
		mask:  mask,
		lines: make(chan []byte, tcpQueueLen),
	})
}

func (s *Sender) Start() error {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.running = true
	for _, t := range s.tcp {
		t.done.Add(1)
		go t.run()
	}
	return nil
}

// Stop closes the UDP socket and waits for TCP queues to flush.
func (s *Sender) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	conn, targets := s.conn, s.tcp
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, t := range targets {
		close(t.lines)
		t.done.Wait()
	}
}

// Dropped reports TCP messages discarded because a queue was full.
func (s *Sender) Dropped() int64 {
	return s.dropped.Load()
}

// Send delivers data to every target whose mask covers flag. It never
// blocks on a slow TCP consumer.
func (s *Sender) Send(data []byte, flag uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return
	}

	line := data
	if len(s.header) > 0 {
		line = append(append(make([]byte, 0, len(s.header)+len(data)), s.header...), data...)
	}

	for _, t := range s.udp {
		if t.mask&flag != flag {
			continue
		}
		if _, err := s.conn.WriteToUDP(line, t.addr); err != nil {
			monitoring.Logf("rbc: udp send to %s: %v", t.addr, err)
		}
	}
	for _, t := range s.tcp {
		if t.mask&flag != flag {
			continue
		}
		select {
		case t.lines <- line:
		default:
			s.dropped.Add(1)
		}
	}
}

func (t *tcpTarget) run() {
	defer t.done.Done()
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	dial := func() bool {
		if conn != nil {
			return true
		}
		c, err := net.DialTimeout("tcp", t.addr, tcpDialTimeout)
		if err != nil {
			return false
		}
		conn = c
		return true
	}

	for line := range t.lines {
		if !dial() {
			time.Sleep(tcpRetryInterval)
			if !dial() {
				continue // consumer unreachable, drop the line
			}
		}
		conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
		if _, err := conn.Write(line); err != nil {
			monitoring.Logf("rbc: tcp write to %s failed: %v", t.addr, err)
			conn.Close()
			conn = nil
		}
	}
}
