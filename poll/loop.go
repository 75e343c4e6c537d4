package poll

import (
	"context"
	"time"
)

// Loop runs the pipeline immediately and then once per interval until ctx is
// cancelled. With once set it returns after the first run. A failed run is
// logged and the loop keeps going; only the once-mode error is returned.
//
// Cancellation is checked between runs. A run in progress finishes first.
func (m *Monitor) Loop(ctx context.Context, interval time.Duration, once bool) error {
	m.logger.Info("Starting scheduled search runs", "interval", interval.String(), "once", once)

	err := m.runLogged(ctx)
	if once {
		m.logger.Warn("Called with onerun and has run once. Exiting...")
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Warn("Interrupted, stopping scheduled runs")
			return nil
		case <-ticker.C:
			_ = m.runLogged(ctx) //nolint:errcheck // logged inside
		}
	}
}

func (m *Monitor) runLogged(ctx context.Context) error {
	report, err := m.Run(context.WithoutCancel(ctx))
	if err != nil {
		m.logger.Error("Search run failed",
			"error", err,
			"delivered", report.Delivered,
			"failed_recipients", report.Failed)
	}
	return err
}
