package server

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"tofengine-go/binlog"
	"tofengine-go/fusion"
	"tofengine-go/monitoring"
	"tofengine-go/rbc"
	"tofengine-go/web"
)

// Recorder persists fused results of one run.
type Recorder interface {
	RecordSample(runID string, res fusion.Result) error
}

type Stats struct {
	Packets   int64 `json:"packets"`
	Frames    int64 `json:"frames"`
	BadFrames int64 `json:"bad_frames"`
	Tof       int64 `json:"tof"`
	Attitude  int64 `json:"attitude"`
	Accel     int64 `json:"accel"`
	Unknown   int64 `json:"unknown"`
}

type wsHeight struct {
	ID uint32 `json:"id"`
	fusion.Result
}

// Processor decodes frames from any transport, feeds the pipeline and
// publishes results to the configured sinks.
type Processor struct {
	pipeline *fusion.Pipeline
	pcap     *binlog.Writer
	sender   *rbc.Sender
	webHub   *web.Hub
	recorder Recorder
	runID    string
	only     *uint32

	// OnResult, when set, sees every ToF result after the sinks.
	OnResult func(addr uint32, res fusion.Result)

	mu     sync.Mutex
	seq    uint16
	lastGw map[uint32]*net.UDPAddr

	packets, frames, badFrames        atomic.Int64
	tof, attitude, accel, unknownType atomic.Int64
}

func NewProcessor(pipeline *fusion.Pipeline) *Processor {
	return &Processor{
		pipeline: pipeline,
		lastGw:   make(map[uint32]*net.UDPAddr),
	}
}

func (p *Processor) Pipeline() *fusion.Pipeline { return p.pipeline }

func (p *Processor) SetPcapWriter(pw *binlog.Writer) { p.pcap = pw }

func (p *Processor) SetRbcSender(snd *rbc.Sender) { p.sender = snd }

func (p *Processor) SetWebHub(h *web.Hub) { p.webHub = h }

// SetRecorder stores every ToF result under runID.
func (p *Processor) SetRecorder(rec Recorder, runID string) {
	p.recorder = rec
	p.runID = runID
}

// SetVehicleFilter drops frames from every vehicle except addr.
func (p *Processor) SetVehicleFilter(addr uint32) { p.only = &addr }

func (p *Processor) Stats() Stats {
	return Stats{
		Packets:   p.packets.Load(),
		Frames:    p.frames.Load(),
		BadFrames: p.badFrames.Load(),
		Tof:       p.tof.Load(),
		Attitude:  p.attitude.Load(),
		Accel:     p.accel.Load(),
		Unknown:   p.unknownType.Load(),
	}
}

// Source returns the last address a vehicle was heard from.
func (p *Processor) Source(addr uint32) (*net.UDPAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.lastGw[addr]
	return a, ok
}

// HandlePacket decodes one datagram or serial chunk received at ts.
// logFlag selects the binlog record flag; 0 disables logging.
func (p *Processor) HandlePacket(data []byte, addr *net.UDPAddr, ts int64, logFlag uint16) {
	p.packets.Add(1)
	frames, err := DecodeFrames(data)
	if err != nil {
		p.badFrames.Add(1)
		if !errors.Is(err, ErrBadMagic) {
			monitoring.Logf("decode %d bytes from %v: %v", len(data), addr, err)
		}
	}
	for _, f := range frames {
		if p.only != nil && f.Addr != *p.only {
			continue
		}
		p.frames.Add(1)
		if p.pcap != nil && logFlag != 0 {
			raw, encErr := EncodeFrame(f.Addr, f.Flags, f.Type, f.Body)
			if encErr == nil {
				if err := p.pcap.WritePacket(logFlag, addr, raw); err != nil {
					monitoring.Logf("pcap write: %v", err)
				}
			}
		}
		if addr != nil {
			p.mu.Lock()
			p.lastGw[f.Addr] = addr
			p.mu.Unlock()
		}
		p.processFrame(f, ts)
	}
}

func (p *Processor) processFrame(f Frame, ts int64) {
	body := f.Payload()
	switch f.Type {
	case TypeTofDown, TypeTofUp:
		s, err := ParseTofFrame(body)
		if err != nil {
			monitoring.Logf("ParseTofFrame error: %v", err)
			return
		}
		p.tof.Add(1)
		sensor := fusion.SensorDown
		if f.Type == TypeTofUp {
			sensor = fusion.SensorUp
		}
		res := p.pipeline.ProcessTof(ts, sensor, fusion.TofMeasurement{
			TimestampMs: ts,
			Distance:    s.Distance,
			StdDev:      s.StdDev,
		})
		p.publish(f.Addr, res)
	case TypeAttitude:
		a, err := ParseAttitudeFrame(body)
		if err != nil {
			monitoring.Logf("ParseAttitudeFrame error: %v", err)
			return
		}
		p.attitude.Add(1)
		p.pipeline.ProcessAttitude(ts, a.Roll, a.Pitch, a.Yaw)
	case TypeAccel:
		a, err := ParseAccelFrame(body)
		if err != nil {
			monitoring.Logf("ParseAccelFrame error: %v", err)
			return
		}
		p.accel.Add(1)
		p.pipeline.ProcessAccel(ts, a.AccZ)
	default:
		p.unknownType.Add(1)
	}
}

func (p *Processor) publish(addr uint32, res fusion.Result) {
	if p.sender != nil && res.Flag >= fusion.FlagSeeded {
		p.mu.Lock()
		p.seq++
		seq := p.seq
		p.mu.Unlock()
		p.sender.Send(rbc.FormatHeight(int(addr), res.TimestampMs, seq, res.Z, res.Floor, res.Ceiling, res.Diag.Detected), rbc.FlagHeight)
		if res.Diag.Detected {
			surface, offset := "floor", res.Floor
			if res.Variant == fusion.VariantCeiling {
				surface, offset = "ceiling", res.Ceiling
			}
			p.sender.Send(rbc.FormatDetection(int(addr), res.TimestampMs, surface, res.Diag.Innovation, res.Diag.Threshold, offset), rbc.FlagDetection)
		}
	}

	if p.recorder != nil {
		if err := p.recorder.RecordSample(p.runID, res); err != nil {
			monitoring.Logf("record sample: %v", err)
		}
	}

	if p.webHub != nil {
		b, err := json.Marshal(wsHeight{ID: addr, Result: res})
		if err == nil {
			p.webHub.Broadcast(b)
		}
	}

	if p.OnResult != nil {
		p.OnResult(addr, res)
	}
}
