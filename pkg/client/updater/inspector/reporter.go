package inspector

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/internal/pkg/utils/observer"
)

// DefaultReportInterval is used when no positive interval is configured.
const DefaultReportInterval = 500 * time.Millisecond

// StartReporter logs the progress of source every interval until the returned stop function is called.
// stop cancels the reporter and waits for it, so it never outlives the operation it reports on.
func StartReporter(ctx context.Context, source Source, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	o := observer.IntervalObserver[Source]{
		Interval: interval,
		F: func(s Source) error {
			log.Infof("OTA %3d%% - %s", s.Progress(), s.Status())
			return nil
		},
		Observable: source,
	}
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.Observe(ctx); err != nil {
			log.WithError(err).Error("failed to report progress")
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			log.Infof("OTA %3d%% - %s", source.Progress(), source.Status())
		})
	}
}
