package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"

	"tofengine-go/binlog"
	"tofengine-go/server"
)

func main() {
	file1 := flag.String("1", "", "Original PCAP")
	file2 := flag.String("2", "", "Replayed PCAP")
	flag.Parse()

	if *file1 == "" || *file2 == "" {
		log.Fatal("Usage: verify_log -1 <original> -2 <replayed>")
	}

	pkts1, err := readPackets(*file1)
	if err != nil {
		log.Fatalf("Error reading %s: %v", *file1, err)
	}
	pkts2, err := readPackets(*file2)
	if err != nil {
		log.Fatalf("Error reading %s: %v", *file2, err)
	}

	fmt.Printf("Original packets (data only): %d\n", len(pkts1))
	fmt.Printf("Replayed packets (data only): %d\n", len(pkts2))

	minLen := min(len(pkts1), len(pkts2))
	mismatches := 0
	for i := 0; i < minLen; i++ {
		if !bytes.Equal(pkts1[i], pkts2[i]) {
			fmt.Printf("Mismatch at packet %d: len1=%d len2=%d %s\n", i, len(pkts1[i]), len(pkts2[i]), describe(pkts1[i]))
			mismatches++
			if mismatches > 10 {
				fmt.Println("Too many mismatches, stopping.")
				break
			}
		}
	}

	if len(pkts1) != len(pkts2) {
		fmt.Printf("Count mismatch: %d vs %d\n", len(pkts1), len(pkts2))
		mismatches++
	}

	if mismatches == 0 {
		fmt.Println("SUCCESS: All payloads match.")
	} else {
		fmt.Println("FAILURE: Mismatches found.")
		os.Exit(1)
	}
}

// describe names the frames in a packet for mismatch reports.
func describe(pkt []byte) string {
	frames, err := server.DecodeFrames(pkt)
	if err != nil && len(frames) == 0 {
		return fmt.Sprintf("(undecodable: %v)", err)
	}
	var b bytes.Buffer
	for i, f := range frames {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "[%08X type=0x%03X len=%d]", f.Addr, f.Type, f.BodyLen)
	}
	return b.String()
}

func readPackets(path string) ([][]byte, error) {
	recs, err := binlog.ReadAll(path)
	if err != nil {
		return nil, err
	}
	var packets [][]byte
	for _, r := range recs {
		if r.Metadata() {
			continue
		}
		packets = append(packets, r.Data)
	}
	return packets, nil
}
