// Package inspector tracks the progress of an update operation and reports it while the operation runs.
package inspector

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Source is polled by the status reporter.
type Source interface {
	Progress() int
	Status() string
}

// Progress is updated by the operation that owns it and may be read concurrently.
type Progress struct {
	total     atomic.Int64
	completed atomic.Int64
	bytes     atomic.Uint64

	mu      sync.RWMutex
	current string
}

// Reset starts tracking an operation over total files.
func (p *Progress) Reset(total int) {
	p.total.Store(int64(total))
	p.completed.Store(0)
	p.bytes.Store(0)
	p.SetCurrent("")
}

// SetCurrent records the file that is in flight.
func (p *Progress) SetCurrent(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = name
}

// Current returns the file that is in flight.
func (p *Progress) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Complete marks one more file as done.
func (p *Progress) Complete() {
	p.completed.Add(1)
}

// Completed returns the number of finished files.
func (p *Progress) Completed() int {
	return int(p.completed.Load())
}

// Bytes is the counter for transferred bytes, see readerutils.NewCountingReader.
func (p *Progress) Bytes() *atomic.Uint64 {
	return &p.bytes
}

// Progress returns round(100 * completed / total), an operation without files reports 0.
func (p *Progress) Progress() int {
	total := p.total.Load()
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(p.completed.Load()) / float64(total)))
}

// Status describes the file in flight together with the overall progress.
func (p *Progress) Status() string {
	return fmt.Sprintf("%s (%d%%)", p.Current(), p.Progress())
}
