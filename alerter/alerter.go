// Package alerter defines the out-of-scope notification collaborator
// (spec.md §6) a dispatcher fans a dispatch out to, plus a Log builtin
// used by tests and by --debug mode. Grounded on notify/webhook's
// Notify(ctx, ...Alert) error shape (one call, one error, no return
// value beyond success/failure) generalized from alertmanager's
// notify.Notifier to chronowatch's own Match type.
package alerter

import (
	"context"
	"log/slog"

	"github.com/chronowatch/chronowatch/types"
)

// Alerter delivers a batch of matches somewhere outside the process.
// Info returns static metadata (name, target) a dispatcher includes in
// writeback's alert_info field.
type Alerter interface {
	Alert(ctx context.Context, matches []types.Match) error
	Info() map[string]string
}

// Log is the builtin debug/test alerter: it writes one log line per
// dispatch and never fails, matching spec.md §4.H step 6's "debug mode
// hands to a debug alerter, no writeback, no real delivery" rule when
// wired as the sole alerter under --debug.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a Log alerter scoped under logger.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "alerter.log")}
}

func (l *Log) Alert(_ context.Context, matches []types.Match) error {
	l.logger.Info("alert", "match_count", len(matches), "matches", types.JoinMatchNames(5, matches...))
	return nil
}

func (l *Log) Info() map[string]string {
	return map[string]string{"type": "log"}
}
