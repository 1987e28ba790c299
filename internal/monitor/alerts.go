package monitor

import (
	"github.com/rs/zerolog/log"
)

// AlertSink delivers operator alerts.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Warn().Str("component", "alert").Msg(message)
	return nil
}
