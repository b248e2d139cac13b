package inmemory

import (
	"sync"
	"time"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

type Snapshot struct {
	CommandTotal     uint64            `json:"command_total"`
	CommandsByStatus map[string]uint64 `json:"commands_by_status"`
	CommandsByKind   map[string]uint64 `json:"commands_by_kind"`
	CommandRetries   uint64            `json:"command_retries"`
	DeadLetters      uint64            `json:"dead_letters"`
	FlushWritten     map[string]uint64 `json:"flush_written"`
	FlushFailed      map[string]uint64 `json:"flush_failed"`
	Coalesced        uint64            `json:"coalesced"`
	BattlesStarted   uint64            `json:"battles_started"`
	BattlesByReason  map[string]uint64 `json:"battles_by_reason"`
	Advances         uint64            `json:"advances"`
	AdvanceMaxMillis int64             `json:"advance_max_ms"`
}

type Recorder struct {
	mu          sync.Mutex
	byStatus    map[string]uint64
	byKind      map[string]uint64
	retries     uint64
	deadLetters uint64
	written     map[string]uint64
	failed      map[string]uint64
	coalesced   uint64
	started     uint64
	byReason    map[string]uint64
	advances    uint64
	advanceMax  time.Duration
}

func NewRecorder() *Recorder {
	return &Recorder{
		byStatus: map[string]uint64{},
		byKind:   map[string]uint64{},
		written:  map[string]uint64{},
		failed:   map[string]uint64{},
		byReason: map[string]uint64{},
	}
}

func (r *Recorder) RecordCommand(kind string, status ports.CommandStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byStatus[string(status)]++
	r.byKind[kind]++
}

func (r *Recorder) RecordRetry(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

func (r *Recorder) RecordDeadLetter(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLetters++
}

func (r *Recorder) RecordFlush(t entity.Type, written, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written[string(t)] += uint64(written)
	r.failed[string(t)] += uint64(failed)
}

func (r *Recorder) RecordCoalesced(superseded int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coalesced += uint64(superseded)
}

func (r *Recorder) RecordBattleStarted(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *Recorder) RecordBattleFinished(reason string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byReason[reason]++
}

func (r *Recorder) RecordAdvance(elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advances++
	if elapsed > r.advanceMax {
		r.advanceMax = elapsed
	}
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Snapshot{
		CommandsByStatus: copyCounts(r.byStatus),
		CommandsByKind:   copyCounts(r.byKind),
		CommandRetries:   r.retries,
		DeadLetters:      r.deadLetters,
		FlushWritten:     copyCounts(r.written),
		FlushFailed:      copyCounts(r.failed),
		Coalesced:        r.coalesced,
		BattlesStarted:   r.started,
		BattlesByReason:  copyCounts(r.byReason),
		Advances:         r.advances,
		AdvanceMaxMillis: r.advanceMax.Milliseconds(),
	}
	for _, v := range r.byStatus {
		out.CommandTotal += v
	}
	return out
}

func (r *Recorder) SnapshotAny() any {
	return r.Snapshot()
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
