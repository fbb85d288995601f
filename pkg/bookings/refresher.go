package bookings

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/toolshed/toolshed/pkg/logger"
)

// Refresher reloads the booking list on a cron schedule so missed push
// events are eventually corrected.
type Refresher struct {
	relay *Relay
	expr  string
	now   func() time.Time
}

func NewRefresher(relay *Relay, expr string) (*Refresher, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid refresh cron expression: %q", expr)
	}
	return &Refresher{relay: relay, expr: expr, now: time.Now}, nil
}

// Next is the first scheduled reload strictly after t.
func (f *Refresher) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(f.expr, t, false)
}

// Run reloads on every tick until ctx is done.
func (f *Refresher) Run(ctx context.Context) {
	logger.InfoCF("bookings", "Booking refresh scheduled", map[string]interface{}{
		"cron": f.expr,
	})
	for {
		next, err := f.Next(f.now())
		if err != nil {
			logger.ErrorCF("bookings", "Next refresh time failed", map[string]interface{}{
				"cron":  f.expr,
				"error": err.Error(),
			})
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := f.relay.Load(ctx); err != nil && ctx.Err() == nil {
			logger.WarnCF("bookings", "Scheduled refresh failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}
