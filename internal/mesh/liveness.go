package mesh

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Liveness drives the heartbeat/eviction cycle. Each tick sends a link-local
// heartbeat to every live peer and evicts nodes whose own heartbeats stopped
// arriving: liveness reflects actual traffic on the link, not the mere
// passage of local time.
type Liveness struct {
	interval time.Duration
	reg      *Registry
	router   *Router
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLiveness(interval time.Duration, reg *Registry, router *Router, log *slog.Logger) *Liveness {
	if log == nil {
		log = slog.Default()
	}
	return &Liveness{interval: interval, reg: reg, router: router, log: log}
}

func (l *Liveness) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.tick(time.Now())
			}
		}
	}()
}

func (l *Liveness) tick(now time.Time) {
	l.router.SendHeartbeats()
	evicted := l.reg.EvictStale(now, 3*l.interval)
	for _, d := range evicted {
		l.router.UnregisterPeer(d.ID)
	}
	if len(evicted) > 0 {
		l.log.Info("liveness pass evicted nodes", "count", len(evicted))
	}
}

// Stop cancels the heartbeat loop and waits for it to exit. Idempotent.
func (l *Liveness) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
}
