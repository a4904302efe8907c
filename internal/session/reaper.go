package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// Reaper periodically releases sandboxes that sat idle past the configured
// bound. Gateway-enabled sandboxes bill per minute, so leaving them parked
// between chat turns is the expensive failure mode; attached data is kept
// and a reaped sandbox is recreated transparently on next use.
type Reaper struct {
	registry *Registry
	schedule cronv3.Schedule
	maxIdle  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper parses the cron spec up front so a bad schedule fails at boot,
// not at the first tick.
func NewReaper(registry *Registry, spec string, maxIdle time.Duration) (*Reaper, error) {
	parser := cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", spec, err)
	}
	return &Reaper{
		registry: registry,
		schedule: schedule,
		maxIdle:  maxIdle,
		stop:     make(chan struct{}),
	}, nil
}

func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			next := r.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-timer.C:
				if released := r.registry.ReapIdle(r.maxIdle); released > 0 {
					log.Printf("event=sandbox_reap released=%d max_idle=%s", released, r.maxIdle)
				}
			case <-r.stop:
				timer.Stop()
				return
			}
		}
	}()
}

func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}
