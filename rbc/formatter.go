package rbc

import (
	"fmt"
	"time"
)

const timeLayout = "20060102150405.000"

// FormatHeight formats one vertical-state line:
// display:NNN,<id>,<seq>,<time>,<z>,<floor>,<ceiling>,<detected>\r\n
func FormatHeight(id int, ts int64, seq uint16, z, floor, ceiling float64, detected bool) []byte {
	det := 0
	if detected {
		det = 1
	}
	body := fmt.Sprintf("%s%016X,%d,%s,%.3f,%.3f,%.3f,%d\r\n",
		headerPrefix, id, seq, formatTime(ts), z, floor, ceiling, det)
	return fillLength([]byte(body))
}

// FormatDetection formats a surface step event. surface is "floor" or
// "ceiling"; offset is the re-seeded value.
func FormatDetection(id int, ts int64, surface string, innovation, threshold, offset float64) []byte {
	body := fmt.Sprintf("%s%016X,%s,step,%s,%.3f,%.3f,%.3f\r\n",
		headerPrefix, id, formatTime(ts), surface, innovation, threshold, offset)
	return fillLength([]byte(body))
}

func formatTime(ts int64) string {
	return time.UnixMilli(ts).UTC().Format(timeLayout)
}

// fillLength writes the total length as decimal digits over the blanks at
// bytes 8..10 of the header.
func fillLength(b []byte) []byte {
	n := len(b)
	if n >= 100 {
		b[8] = byte('0' + (n/100)%10)
	}
	b[9] = byte('0' + (n/10)%10)
	b[10] = byte('0' + n%10)
	return b
}
