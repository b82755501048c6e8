package connection

import (
	"sync"
	"time"
)

// Pinger periodically sends a NoOp on its owning connection so that both
// peers get timely disconnection detection independent of application
// traffic (spec.md §4.5). The first tick fires one interval after Start,
// never immediately.
type Pinger struct {
	interval time.Duration
	send     func() error

	stopOnce sync.Once
	stop     chan struct{}
}

// NewPinger builds a Pinger that calls send every interval once started.
func NewPinger(interval time.Duration, send func() error) *Pinger {
	return &Pinger{
		interval: interval,
		send:     send,
		stop:     make(chan struct{}),
	}
}

// Start begins the ping loop in its own goroutine.
func (p *Pinger) Start() {
	go p.run()
}

// Stop halts the ping loop unconditionally. Safe to call more than once,
// and safe to call even if Start was never called.
func (p *Pinger) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pinger) run() {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-timer.C:
			// A send failure must not fail the connection — the
			// transport's own read-idle timeout is what detects a truly
			// dead peer.
			_ = p.send()
			timer.Reset(p.interval)
		}
	}
}
