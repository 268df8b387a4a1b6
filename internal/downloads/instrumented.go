package downloads

import (
	"context"

	"github.com/italolelis/edman/internal/telemetry"
)

// InstrumentedSubsystem wraps Subsystem with telemetry.
type InstrumentedSubsystem struct {
	subsystem Subsystem
	telemetry *telemetry.Telemetry
	name      string
}

// NewInstrumentedSubsystem creates a new instrumented download subsystem.
func NewInstrumentedSubsystem(s Subsystem, tel *telemetry.Telemetry, name string) *InstrumentedSubsystem {
	return &InstrumentedSubsystem{
		subsystem: s,
		telemetry: tel,
		name:      name,
	}
}

// Start starts a download with telemetry.
func (s *InstrumentedSubsystem) Start(ctx context.Context, url, filename string) (Handle, error) {
	var handle Handle

	err := s.telemetry.InstrumentSubsystemOperation(ctx, s.name, "start", func(ctx context.Context) error {
		var err error

		handle, err = s.subsystem.Start(ctx, url, filename)

		return err
	})
	if err != nil {
		s.telemetry.RecordDownloadStarted("error")

		return 0, err
	}

	s.telemetry.RecordDownloadStarted("success")

	return handle, nil
}

// Erase erases a download record with telemetry.
func (s *InstrumentedSubsystem) Erase(ctx context.Context, h Handle) error {
	return s.telemetry.InstrumentSubsystemOperation(ctx, s.name, "erase", func(ctx context.Context) error {
		return s.subsystem.Erase(ctx, h)
	})
}

func (s *InstrumentedSubsystem) Changes() <-chan Delta {
	return s.subsystem.Changes()
}
