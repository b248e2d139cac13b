package multi

import (
	"time"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

type Sink interface {
	ports.CommandMetrics
	ports.FlushMetrics
	ports.BattleMetrics
}

// Recorder forwards every observation to each sink in order.
type Recorder []Sink

func (r Recorder) RecordCommand(kind string, status ports.CommandStatus) {
	for _, s := range r {
		s.RecordCommand(kind, status)
	}
}

func (r Recorder) RecordRetry(kind string) {
	for _, s := range r {
		s.RecordRetry(kind)
	}
}

func (r Recorder) RecordDeadLetter(stream string) {
	for _, s := range r {
		s.RecordDeadLetter(stream)
	}
}

func (r Recorder) RecordFlush(t entity.Type, written, failed int) {
	for _, s := range r {
		s.RecordFlush(t, written, failed)
	}
}

func (r Recorder) RecordCoalesced(superseded int) {
	for _, s := range r {
		s.RecordCoalesced(superseded)
	}
}

func (r Recorder) RecordBattleStarted(mode string) {
	for _, s := range r {
		s.RecordBattleStarted(mode)
	}
}

func (r Recorder) RecordBattleFinished(reason string, rounds int) {
	for _, s := range r {
		s.RecordBattleFinished(reason, rounds)
	}
}

func (r Recorder) RecordAdvance(elapsed time.Duration) {
	for _, s := range r {
		s.RecordAdvance(elapsed)
	}
}
