package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	UnibMagic   = 0x7857 // Little Endian for 'W' 'x'
	UnibHdrLen  = 9
	UnibWrapLen = 11 // header + crc16
	MaxBodyLen  = 0x7FF

	TypeTofDown  = 0x70
	TypeTofUp    = 0x71
	TypeAttitude = 0x90
	TypeAccel    = 0x91

	// FlagSeconds marks a body that starts with a one-byte seconds prefix.
	FlagSeconds = 0x2
)

var (
	ErrBadMagic  = errors.New("unib: bad magic")
	ErrTruncated = errors.New("unib: truncated")
	ErrCRC       = errors.New("unib: crc mismatch")
)

type UnibHeader struct {
	Magic   uint16
	Addr    uint32
	Flags   uint8
	Type    uint16
	BodyLen int
}

// Frame is one validated packet. Body excludes header and crc.
type Frame struct {
	UnibHeader
	Body []byte
}

// Payload strips the seconds prefix when the frame carries one.
func (f Frame) Payload() []byte {
	if f.Flags&FlagSeconds != 0 && len(f.Body) > 0 {
		return f.Body[1:]
	}
	return f.Body
}

type TofSample struct {
	Seq      uint8
	Distance float64 // [m]
	StdDev   float64 // [m]
}

// AttitudeSample carries ZYX Euler angles in radians.
type AttitudeSample struct {
	Seq              uint8
	Roll, Pitch, Yaw float64
}

// AccelSample carries world-frame vertical acceleration with gravity removed.
type AccelSample struct {
	Seq  uint8
	AccZ float64 // [m/s^2]
}

// ParseHeader parses the UNIB header from the beginning of the packet.
func ParseHeader(data []byte) (*UnibHeader, error) {
	if len(data) < UnibHdrLen {
		return nil, fmt.Errorf("%w: %d header bytes", ErrTruncated, len(data))
	}

	magic := binary.LittleEndian.Uint16(data[0:2])
	if magic != UnibMagic {
		return nil, fmt.Errorf("%w: 0x%x", ErrBadMagic, magic)
	}

	addr := binary.LittleEndian.Uint32(data[2:6])

	// Byte 6: flags:3 low bits, typ_low:5 high bits.
	b6 := data[6]
	flags := b6 & 0x7
	typLow := uint16(b6 >> 3)

	// Byte 7: typ_high:5 low bits, len_low:3 high bits. Byte 8: len_high.
	b7 := data[7]
	typHigh := uint16(b7 & 0x1F)
	lenLow := int(b7 >> 5)
	lenHigh := int(data[8])

	return &UnibHeader{
		Magic:   magic,
		Addr:    addr,
		Flags:   flags,
		Type:    typLow + (typHigh << 5),
		BodyLen: lenLow + (lenHigh << 3),
	}, nil
}

// ParseFrame validates one frame at the start of data and returns it with
// its total wire length.
func ParseFrame(data []byte) (Frame, int, error) {
	hdr, err := ParseHeader(data)
	if err != nil {
		return Frame{}, 0, err
	}
	total := UnibWrapLen + hdr.BodyLen
	if len(data) < total {
		return Frame{}, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, total, len(data))
	}
	bodyEnd := UnibHdrLen + hdr.BodyLen
	want := binary.LittleEndian.Uint16(data[bodyEnd:total])
	if got := CRC16(data[:bodyEnd]); got != want {
		return Frame{}, 0, fmt.Errorf("%w: got 0x%04x want 0x%04x", ErrCRC, got, want)
	}
	return Frame{UnibHeader: *hdr, Body: data[UnibHdrLen:bodyEnd]}, total, nil
}

// DecodeFrames extracts every valid frame in data, skipping a byte at a time
// over garbage. The error reports the first problem found even when frames
// were recovered around it.
func DecodeFrames(data []byte) ([]Frame, error) {
	var (
		frames   []Frame
		firstErr error
	)
	offset := 0
	for offset < len(data) {
		frame, n, err := ParseFrame(data[offset:])
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("offset %d: %w", offset, err)
			}
			offset++
			continue
		}
		frames = append(frames, frame)
		offset += n
	}
	return frames, firstErr
}

// EncodeFrame wraps body in a UNIB header and crc trailer.
func EncodeFrame(addr uint32, flags uint8, typ uint16, body []byte) ([]byte, error) {
	if len(body) > MaxBodyLen {
		return nil, fmt.Errorf("unib: body of %d bytes exceeds %d", len(body), MaxBodyLen)
	}
	if typ > 0x3FF {
		return nil, fmt.Errorf("unib: type 0x%x out of range", typ)
	}
	out := make([]byte, UnibWrapLen+len(body))
	binary.LittleEndian.PutUint16(out[0:2], UnibMagic)
	binary.LittleEndian.PutUint32(out[2:6], addr)
	out[6] = flags&0x7 | uint8(typ&0x1F)<<3
	out[7] = uint8(typ>>5)&0x1F | uint8(len(body)&0x7)<<5
	out[8] = uint8(len(body) >> 3)
	copy(out[UnibHdrLen:], body)
	bodyEnd := UnibHdrLen + len(body)
	binary.LittleEndian.PutUint16(out[bodyEnd:], CRC16(out[:bodyEnd]))
	return out, nil
}

// CRC16 is CRC-16/XMODEM: poly 0x1021, zero init.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func putF32(b []byte, v float64) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
}

func getF32(b []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
}

func EncodeTof(s TofSample) []byte {
	b := make([]byte, 9)
	b[0] = s.Seq
	putF32(b[1:5], s.Distance)
	putF32(b[5:9], s.StdDev)
	return b
}

func ParseTofFrame(body []byte) (*TofSample, error) {
	if len(body) < 9 {
		return nil, fmt.Errorf("tof frame too short: %w", ErrTruncated)
	}
	return &TofSample{Seq: body[0], Distance: getF32(body[1:5]), StdDev: getF32(body[5:9])}, nil
}

func EncodeAttitude(s AttitudeSample) []byte {
	b := make([]byte, 13)
	b[0] = s.Seq
	putF32(b[1:5], s.Roll)
	putF32(b[5:9], s.Pitch)
	putF32(b[9:13], s.Yaw)
	return b
}

func ParseAttitudeFrame(body []byte) (*AttitudeSample, error) {
	if len(body) < 13 {
		return nil, fmt.Errorf("attitude frame too short: %w", ErrTruncated)
	}
	return &AttitudeSample{
		Seq:   body[0],
		Roll:  getF32(body[1:5]),
		Pitch: getF32(body[5:9]),
		Yaw:   getF32(body[9:13]),
	}, nil
}

func EncodeAccel(s AccelSample) []byte {
	b := make([]byte, 5)
	b[0] = s.Seq
	putF32(b[1:5], s.AccZ)
	return b
}

func ParseAccelFrame(body []byte) (*AccelSample, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("accel frame too short: %w", ErrTruncated)
	}
	return &AccelSample{Seq: body[0], AccZ: getF32(body[1:5])}, nil
}
