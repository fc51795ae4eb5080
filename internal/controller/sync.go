package controller

import (
	"context"
	"strconv"
	"time"

	"casunet/internal/diag"
	"casunet/internal/io"
	"casunet/internal/model"
)

type pulse struct {
	colour model.RGB
	on     time.Duration
}

// The sync flash is a red, green, blue sequence with growing pulse widths so
// video frames can be aligned with the event log.
var syncPulses = []pulse{
	{colour: model.RGB{R: 1}, on: 50 * time.Millisecond},
	{colour: model.RGB{G: 1}, on: 100 * time.Millisecond},
	{colour: model.RGB{B: 1}, on: 150 * time.Millisecond},
}

const syncGap = 50 * time.Millisecond

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// syncDue reports whether a flash should run now.
func (c *Controller) syncDue(now time.Time) bool {
	return c.cfg.SyncFlash && now.Sub(c.lastSync) > c.cfg.SyncInterval
}

// flash runs one sync sequence and restores the indicator. It returns the
// start and end events.
func (c *Controller) flash(ctx context.Context) ([]model.Event, error) {
	start := c.now()
	c.lastSync = start
	seq := strconv.Itoa(c.syncCount)
	events := []model.Event{c.event(model.EventSync, start, seq, "start")}

	restore := model.IndicatorOff
	if reader, ok := c.dev.(io.IndicatorReader); ok {
		current, err := reader.Indicator(ctx)
		if err != nil {
			return events, err
		}
		restore = current
	}
	for _, p := range syncPulses {
		if err := c.dev.SetIndicator(ctx, p.colour); err != nil {
			return events, err
		}
		if err := c.sleep(ctx, p.on); err != nil {
			return events, err
		}
		if err := c.dev.SetIndicator(ctx, model.IndicatorOff); err != nil {
			return events, err
		}
		if err := c.sleep(ctx, syncGap); err != nil {
			return events, err
		}
	}
	if err := c.dev.SetIndicator(ctx, restore); err != nil {
		return events, err
	}

	c.syncCount++
	events = append(events, c.event(model.EventSync, c.now(), seq, "end"))
	c.log.Debug(diag.DebugCycle, "sync flash %s done", seq)
	return events, nil
}
