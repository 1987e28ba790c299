package monitor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"hedge-core/internal/events"
)

// Monitor forwards instance errors and reconciliation drift to alert sinks.
type Monitor struct {
	Bus   *events.Bus
	Sinks []AlertSink
}

// Start consumes the bus until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || len(m.Sinks) == 0 {
		log.Debug().Msg("monitor not configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventAll, 64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				text, alert := FormatAlert(msg)
				if !alert {
					continue
				}
				for _, s := range m.Sinks {
					if err := s.Send(text); err != nil {
						log.Error().Err(err).Msg("alert delivery failed")
					}
				}
			}
		}
	}()
}

// FormatAlert renders msg as an alert line; alert is false for events that
// need no operator attention.
func FormatAlert(msg events.Message) (text string, alert bool) {
	switch msg.Type {
	case events.EventInstanceError:
		return fmt.Sprintf("[%s] %s/%s halted: %v (%v)", msg.At.Format("2006-01-02T15:04:05Z07:00"),
			msg.Account, msg.InstanceID, msg.Data["code"], msg.Data["error"]), true
	case events.EventReconcileDrift:
		return fmt.Sprintf("[%s] %s %v %v: local %v, exchange %v", msg.At.Format("2006-01-02T15:04:05Z07:00"),
			msg.Account, msg.Data["symbol"], msg.Data["side"], msg.Data["local_qty"], msg.Data["exchange_qty"]), true
	}
	return "", false
}
