package binlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket/pcapgo"
)

// Record is one logged packet.
type Record struct {
	Timestamp time.Time
	Flag      uint16
	Addr      *net.UDPAddr
	Data      []byte
}

// Metadata reports whether the record is a non-replayable block.
func (r Record) Metadata() bool { return r.Flag&FlagStats != 0 }

type Reader struct {
	r *pcapgo.Reader
}

func NewReader(r io.Reader) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &Reader{r: pr}, nil
}

// Next returns the next record, or io.EOF. Records shorter than the
// secondary header are skipped.
func (rd *Reader) Next() (Record, error) {
	for {
		data, ci, err := rd.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("pcap record: %w", err)
		}
		if len(data) < phdr2Len {
			continue
		}
		ip := make(net.IP, 4)
		copy(ip, data[4:8])
		payload := make([]byte, len(data)-phdr2Len)
		copy(payload, data[phdr2Len:])
		return Record{
			Timestamp: ci.Timestamp,
			Flag:      binary.LittleEndian.Uint16(data[0:2]),
			Addr:      &net.UDPAddr{IP: ip, Port: int(binary.LittleEndian.Uint16(data[2:4]))},
			Data:      payload,
		}, nil
	}
}

// ReadAll loads every record of the log at path.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rd, err := NewReader(f)
	if err != nil {
		return nil, err
	}
	var out []Record
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
