package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"net"
	"time"

	"tofengine-go/binlog"
	"tofengine-go/fusion"
	"tofengine-go/server"
)

// Scenario describes a synthetic hover over a floor with one raised
// obstacle, under a flat ceiling.
type Scenario struct {
	Vehicle    uint32
	Duration   time.Duration
	RateHz     float64
	Hover      float64 // [m]
	Amplitude  float64 // [m]
	Period     float64 // [s]
	Ceiling    float64 // [m]
	StepHeight float64 // [m]
	StepStart  float64 // [s]
	StepEnd    float64 // [s]
	Tilt       float64 // roll amplitude [rad]
	Noise      float64 // actual range noise [m]
	StdDev     float64 // reported range deviation [m]
	Seed       uint64
}

func DefaultScenario() Scenario {
	return Scenario{
		Vehicle:    0xB50AC,
		Duration:   30 * time.Second,
		RateHz:     50,
		Hover:      1.5,
		Amplitude:  0.2,
		Period:     8,
		Ceiling:    3.0,
		StepHeight: 0.3,
		StepStart:  10,
		StepEnd:    15,
		Tilt:       0.05,
		Noise:      0.003,
		StdDev:     0.01,
		Seed:       1,
	}
}

// Simulate writes the scenario to w as one record per frame, starting at
// start. It returns the number of records written.
func Simulate(w *binlog.Writer, sc Scenario, start time.Time) (int, error) {
	rng := rand.New(rand.NewPCG(sc.Seed, sc.Seed^0x9E3779B97F4A7C15))
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	omega := 2 * math.Pi / sc.Period
	n := int(sc.Duration.Seconds() * sc.RateHz)
	count := 0

	emit := func(ts time.Time, typ uint16, body []byte) error {
		frame, err := server.EncodeFrame(sc.Vehicle, 0, typ, body)
		if err != nil {
			return err
		}
		if err := w.WritePacketAt(ts, binlog.FlagUDPRx, src, frame); err != nil {
			return err
		}
		count++
		return nil
	}

	for i := 0; i < n; i++ {
		t := float64(i) / sc.RateHz
		ts := start.Add(time.Duration(t * float64(time.Second)))
		seq := uint8(i)

		z := sc.Hover + sc.Amplitude*math.Sin(omega*t)
		accZ := -sc.Amplitude * omega * omega * math.Sin(omega*t)
		roll := sc.Tilt * math.Sin(0.7*t)
		pitch := 0.5 * sc.Tilt * math.Cos(0.5*t)
		cos := fusion.TiltCosine(roll, pitch)

		floor := 0.0
		if t >= sc.StepStart && t < sc.StepEnd {
			floor = sc.StepHeight
		}

		if err := emit(ts, server.TypeAttitude, server.EncodeAttitude(server.AttitudeSample{Seq: seq, Roll: roll, Pitch: pitch})); err != nil {
			return count, err
		}
		if err := emit(ts, server.TypeAccel, server.EncodeAccel(server.AccelSample{Seq: seq, AccZ: accZ})); err != nil {
			return count, err
		}
		down := (z-floor)/cos + rng.NormFloat64()*sc.Noise
		if err := emit(ts, server.TypeTofDown, server.EncodeTof(server.TofSample{Seq: seq, Distance: down, StdDev: sc.StdDev})); err != nil {
			return count, err
		}
		up := (sc.Ceiling-z)/cos + rng.NormFloat64()*sc.Noise
		if err := emit(ts, server.TypeTofUp, server.EncodeTof(server.TofSample{Seq: seq, Distance: up, StdDev: sc.StdDev})); err != nil {
			return count, err
		}
	}
	return count, nil
}

func main() {
	sc := DefaultScenario()
	out := flag.String("out", "tofsim.pcap", "Output PCAP path")
	dur := flag.Duration("duration", sc.Duration, "Flight duration")
	flag.Float64Var(&sc.RateHz, "rate", sc.RateHz, "Sample rate [Hz]")
	flag.Float64Var(&sc.Hover, "hover", sc.Hover, "Hover height [m]")
	flag.Float64Var(&sc.Ceiling, "ceiling", sc.Ceiling, "Ceiling height [m]")
	flag.Float64Var(&sc.StepHeight, "step", sc.StepHeight, "Obstacle height [m]")
	flag.Float64Var(&sc.Noise, "noise", sc.Noise, "Range noise [m]")
	flag.Uint64Var(&sc.Seed, "seed", sc.Seed, "Random seed")
	flag.Parse()
	sc.Duration = *dur

	w, err := binlog.NewWriter(*out)
	if err != nil {
		log.Fatalf("Failed to create pcap writer: %v", err)
	}
	n, err := Simulate(w, sc, time.Now())
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}
	fmt.Printf("Wrote %d records to %s\n", n, *out)
}
