package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"tofengine-go/binlog"
)

func main() {
	pcapPath := flag.String("pcap", "", "Input PCAP file")
	destAddr := flag.String("dest", "127.0.0.1:44333", "Destination UDP address")
	speed := flag.Float64("speed", 1.0, "Replay speed multiplier (0 for max speed)")
	serialOnly := flag.Bool("serial-only", false, "Only replay records captured from the serial bridge")
	flag.Parse()

	if *pcapPath == "" {
		log.Fatal("--pcap required")
	}

	raddr, err := net.ResolveUDPAddr("udp", *destAddr)
	if err != nil {
		log.Fatalf("Invalid dest address: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	f, err := os.Open(*pcapPath)
	if err != nil {
		log.Fatalf("Open pcap failed: %v", err)
	}
	defer f.Close()

	rd, err := binlog.NewReader(f)
	if err != nil {
		log.Fatalf("Read pcap header failed: %v", err)
	}

	log.Printf("Replaying %s to %s...", *pcapPath, *destAddr)

	var (
		first     time.Time
		startReal time.Time
		count     int
	)
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("Read record failed: %v", err)
		}
		// Skip metadata blocks
		if rec.Metadata() {
			continue
		}
		if *serialOnly && rec.Flag&binlog.FlagSerial == 0 {
			continue
		}

		if first.IsZero() {
			first = rec.Timestamp
			startReal = time.Now()
		} else if *speed > 0 {
			target := time.Duration(float64(rec.Timestamp.Sub(first)) / *speed)
			if elapsed := time.Since(startReal); target > elapsed {
				time.Sleep(target - elapsed)
			}
		}

		if _, err := conn.Write(rec.Data); err != nil {
			log.Printf("Write error: %v", err)
		}
		count++
		if count%1000 == 0 {
			fmt.Printf("\rSent %d packets...", count)
		}
	}
	fmt.Printf("\nDone. Sent %d packets.\n", count)
}
