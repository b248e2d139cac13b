package ports

import (
	"time"

	"warfront/internal/domain/entity"
)

type CommandMetrics interface {
	RecordCommand(kind string, status CommandStatus)
	RecordRetry(kind string)
	RecordDeadLetter(stream string)
}

type FlushMetrics interface {
	RecordFlush(t entity.Type, written, failed int)
	RecordCoalesced(superseded int)
}

type BattleMetrics interface {
	RecordBattleStarted(mode string)
	RecordBattleFinished(reason string, rounds int)
	RecordAdvance(elapsed time.Duration)
}
