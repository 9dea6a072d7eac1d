package ebpf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

var newMonitor = NewMonitor

// Open loads and attaches the BPF object, retrying transient failures. It
// gives up after maxLoadFailures attempts, and at once on errors that a
// retry cannot fix.
func Open(ctx context.Context, opts Options, events RecordSink, table Observer, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var err error
	for attempt := 1; attempt <= maxLoadFailures; attempt++ {
		var m *Monitor
		m, err = newMonitor(opts, events, table, logger)
		if err == nil {
			return m, nil
		}
		if errors.Is(err, ErrUnsupported) || errors.Is(err, ErrRejected) || errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		logger.Warn("Failed to load BPF object", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, fmt.Errorf("giving up after %d failures: %w", maxLoadFailures, err)
}
