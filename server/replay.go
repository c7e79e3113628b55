package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"tofengine-go/binlog"
	"tofengine-go/monitoring"
)

// Replay feeds a recorded log through the processor. Record timestamps are
// used as sample times; speed scales the original pacing and 0 replays as
// fast as possible.
func (p *Processor) Replay(ctx context.Context, path string, speed float64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	rd, err := binlog.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("replay %s: %w", path, err)
	}

	monitoring.Logf("Replaying %s at %.1fx speed...", path, speed)
	var (
		first     time.Time
		startReal time.Time
		count     int
	)
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, err
		}
		if rec.Metadata() {
			continue
		}

		if first.IsZero() {
			first = rec.Timestamp
			startReal = time.Now()
		} else if speed > 0 {
			target := time.Duration(float64(rec.Timestamp.Sub(first)) / speed)
			if wait := target - time.Since(startReal); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return count, ctx.Err()
				}
			}
		}

		p.HandlePacket(rec.Data, rec.Addr, rec.Timestamp.UnixMilli(), 0)
		count++
	}
	monitoring.Logf("Replay loop ended. Total packets: %d", count)
	return count, nil
}
