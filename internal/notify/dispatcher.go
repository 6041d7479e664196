package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-poster/internal/obs"
)

// Notifier delivers an event to one downstream channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to its notifiers.
type Dispatcher struct {
	Notifiers []Notifier
	Timeout   time.Duration
	Logger    zerolog.Logger

	wg sync.WaitGroup
}

// Fire hands the event to every notifier in the background and returns
// immediately. Failures are logged and counted, never returned.
func (d *Dispatcher) Fire(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, n := range d.Notifiers {
		if n == nil {
			continue
		}
		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()
			_ = d.run(base, n, ev)
		}(n)
	}
}

// Deliver runs every notifier synchronously and joins their errors. The
// worker uses it so a failed delivery is retried by the queue.
func (d *Dispatcher) Deliver(ctx context.Context, ev Event) error {
	if d == nil {
		return nil
	}
	var joined error
	for _, n := range d.Notifiers {
		if n == nil {
			continue
		}
		if err := d.run(ctx, n, ev); err != nil {
			joined = errors.Join(joined, err)
		}
	}
	return joined
}

// Wait blocks until background deliveries started by Fire have finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, n Notifier, ev Event) (err error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("notify: %s panicked: %v", n.Name(), rec)
		}
		result := "ok"
		if err != nil {
			result = "error"
			d.Logger.Error().Err(err).
				Str("notifier", n.Name()).
				Str("topic", ev.Topic).
				Str("order_id", ev.OrderID.String()).
				Msg("notification failed")
		}
		obs.IncNotification(n.Name(), result)
	}()

	return n.Notify(ctx, ev)
}
