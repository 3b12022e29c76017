// Package eventlog provides the opaque event sink the session engine
// reports progress and retries through, and a logrus-backed default
// implementation. The engine depends only on the EventSink interface,
// never on logrus directly, the same way the teacher injects a
// *slog.Logger into its protocol engines instead of calling a logging
// package from inside the state machine.
package eventlog

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// EventSink receives lifecycle notifications from a running session.
// Implementations must not block for long: the engine calls these
// synchronously from its single-threaded loop.
type EventSink interface {
	OnStart(op, peer, filename string)
	OnRetry(round int, reason string)
	OnDuplicate(block uint16)
	OnComplete(bytes int64, elapsed time.Duration)
	OnError(code uint16, message string)
}

// LogrusSink is the default EventSink, grounded on the teacher's
// per-component logger-with-fields pattern (pkg/sdo/server.go's
// logger.With("service", "[SERVER]")).
type LogrusSink struct {
	logger *log.Entry
}

// NewLogrusSink builds a sink scoped to one session, tagging every
// emitted entry with its role and session ID the way the teacher tags log
// lines with node id and service name.
func NewLogrusSink(role, sessionID string) *LogrusSink {
	return &LogrusSink{
		logger: log.WithFields(log.Fields{
			"role":    role,
			"session": sessionID,
		}),
	}
}

func (s *LogrusSink) OnStart(op, peer, filename string) {
	s.logger.WithFields(log.Fields{
		"op":       op,
		"peer":     peer,
		"filename": filename,
	}).Info("session started")
}

func (s *LogrusSink) OnRetry(round int, reason string) {
	s.logger.WithFields(log.Fields{
		"round":  round,
		"reason": reason,
	}).Warn("retrying")
}

func (s *LogrusSink) OnDuplicate(block uint16) {
	s.logger.WithField("block", block).Debug("duplicate block, re-acking")
}

func (s *LogrusSink) OnComplete(bytes int64, elapsed time.Duration) {
	rate := float64(0)
	if elapsed > 0 {
		rate = float64(bytes) / elapsed.Seconds()
	}
	s.logger.WithFields(log.Fields{
		"bytes":        bytes,
		"elapsed_s":    elapsed.Seconds(),
		"bytes_per_s":  rate,
	}).Info("session completed")
}

func (s *LogrusSink) OnError(code uint16, message string) {
	s.logger.WithFields(log.Fields{
		"code":    code,
		"message": message,
	}).Error("session aborted")
}

// NullSink discards every event. Useful in tests that only care about
// transfer outcomes.
type NullSink struct{}

func (NullSink) OnStart(string, string, string)          {}
func (NullSink) OnRetry(int, string)                      {}
func (NullSink) OnDuplicate(uint16)                        {}
func (NullSink) OnComplete(int64, time.Duration)           {}
func (NullSink) OnError(uint16, string)                    {}
