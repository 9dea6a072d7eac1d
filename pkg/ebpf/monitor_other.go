//go:build !linux

package ebpf

import (
	"context"
	"log/slog"
)

type Monitor struct{}

func NewMonitor(Options, RecordSink, Observer, *slog.Logger) (*Monitor, error) {
	return nil, ErrUnsupported
}

func (*Monitor) Run(context.Context) error { return ErrUnsupported }

func (*Monitor) Stats() Stats { return Stats{} }

func (*Monitor) Close() error { return nil }
