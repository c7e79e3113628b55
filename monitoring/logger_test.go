package monitoring

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("detection on %s", "floor")
	assert.Equal(t, "detection on floor", got)

	got = ""
	SetLogger(nil)
	Logf("muted %d", 1)
	assert.Empty(t, got, "nil logger must not forward to the previous logger")
}

func TestLogf_Default(t *testing.T) {
	assert.NotNil(t, Logger())
	assert.NotPanics(t, func() { Logf("test message: %s", "value") })
}

func TestSetLoggerConcurrent(t *testing.T) {
	original := Logger()
	defer SetLogger(original)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		lines int
	)
	counting := func(string, ...interface{}) {
		mu.Lock()
		lines++
		mu.Unlock()
	}
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				SetLogger(counting)
				SetLogger(nil)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Logf("sample %d", j)
			}
		}()
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, lines, 400)
}
