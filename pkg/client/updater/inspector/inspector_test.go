package inspector

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgress(t *testing.T) {
	var p Progress
	assert.Equal(t, 0, p.Progress())

	p.Reset(3)
	p.SetCurrent("a.py")
	assert.Equal(t, "a.py (0%)", p.Status())

	p.Complete()
	assert.Equal(t, 33, p.Progress())
	p.Complete()
	assert.Equal(t, 67, p.Progress())
	p.SetCurrent("c.py")
	p.Complete()
	assert.Equal(t, 100, p.Progress())
	assert.Equal(t, "c.py (100%)", p.Status())

	p.Bytes().Add(42)
	assert.Equal(t, uint64(42), p.Bytes().Load())

	p.Reset(1)
	assert.Equal(t, 0, p.Progress())
	assert.Equal(t, uint64(0), p.Bytes().Load())
	assert.Equal(t, "", p.Current())
}

type countingSource struct {
	polls atomic.Int32
}

func (c *countingSource) Progress() int {
	c.polls.Add(1)
	return 50
}

func (c *countingSource) Status() string {
	return "main.py (50%)"
}

func TestReporterStops(t *testing.T) {
	src := &countingSource{}
	stop := StartReporter(context.Background(), src, time.Millisecond)
	assert.Eventually(t, func() bool {
		return src.polls.Load() >= 3
	}, time.Second, time.Millisecond)
	stop()
	// stop is idempotent
	stop()
	after := src.polls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, src.polls.Load(), "reporter kept polling after stop")
}

func TestReporterConcurrentUpdates(t *testing.T) {
	var p Progress
	p.Reset(100)
	stop := StartReporter(context.Background(), &p, time.Microsecond)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				p.SetCurrent("file.py")
				p.Complete()
			}
		}()
	}
	wg.Wait()
	stop()
	assert.Equal(t, 100, p.Progress())
}
