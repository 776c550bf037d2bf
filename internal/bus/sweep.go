package bus

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Start runs the expiry sweep until ctx is done or Stop is called.
func (b *Bus) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go b.sweepLoop(ctx)
}

// Stop ends the sweep and waits for it to return. It is safe to call more than once.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	if b.started.Load() {
		<-b.done
	}
}

func (b *Bus) sweepLoop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweepOnce(time.Now())
		}
	}
}

// sweepOnce drops expired messages from history and from every mailbox.
func (b *Bus) sweepOnce(now time.Time) (history, queued int) {
	for _, id := range b.history.Keys() {
		msg, ok := b.history.Peek(id)
		if ok && msg.Expired(now) {
			b.history.Remove(id)
			history++
		}
	}

	b.mu.RLock()
	boxes := make([]*Mailbox, 0, len(b.mailboxes))
	for _, mb := range b.mailboxes {
		boxes = append(boxes, mb)
	}
	b.mu.RUnlock()

	for _, mb := range boxes {
		queued += mb.dropExpired(now)
	}

	if queued > 0 {
		b.statsMu.Lock()
		b.expired += queued
		b.statsMu.Unlock()
	}
	if history > 0 || queued > 0 {
		b.log.WithFields(logrus.Fields{
			"history": history,
			"queued":  queued,
		}).Debug("expired messages swept")
	}
	return history, queued
}
