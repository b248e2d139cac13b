package ports

import (
	"context"
	"time"

	"warfront/internal/domain/battle"
	"warfront/internal/domain/entity"
)

type StoredEntity struct {
	Type      entity.Type
	ID        string
	Version   int64
	Dirty     bool
	UpdatedAt time.Time
	// Fields holds the raw stored field map, bookkeeping fields included.
	Fields map[string]string
}

type EntityWrite struct {
	Type entity.Type
	ID   string
	Op   entity.Op
	// ExpectedVersion guards updates and deletes; zero skips the check.
	ExpectedVersion int64
	// Fields is the full field map replacing the stored one.
	Fields map[string]string
	// Changes is the partial map recorded in the change log.
	Changes map[string]string
	Now     time.Time
	// Step, when set, is journaled with the write; the write fails with
	// ErrStepApplied if the step is already in the journal.
	Step *StepMark
}

// DefaultStepTTL applies when a StepMark carries no TTL.
const DefaultStepTTL = time.Hour

// StepMark names one handler step of a command.
type StepMark struct {
	CommandID string
	Step      string
	TTL       time.Duration
}

func (m StepMark) JournalTTL() time.Duration {
	if m.TTL <= 0 {
		return DefaultStepTTL
	}
	return m.TTL
}

type WriteResult struct {
	Version   int64
	UpdatedAt time.Time
}

// EntityStore commits every write together with its change-log entry and index maintenance.
type EntityStore interface {
	LoadEntity(ctx context.Context, t entity.Type, id string) (StoredEntity, bool, error)
	WriteEntity(ctx context.Context, w EntityWrite) (WriteResult, error)
	// ClearDirty clears the flag only while the stored version equals version.
	ClearDirty(ctx context.Context, t entity.Type, id string, version int64) (bool, error)
	ListIDs(ctx context.Context, t entity.Type, index, parent string) ([]string, error)
}

type StreamMessage struct {
	ID         string
	Values     map[string]string
	Deliveries int64
}

type ClaimRequest struct {
	Stream   string
	Group    string
	Consumer string
	Count    int
	Block    time.Duration
}

type ReclaimRequest struct {
	Stream   string
	Group    string
	Consumer string
	MinIdle  time.Duration
	Count    int
}

type Streams interface {
	Append(ctx context.Context, stream string, values map[string]string) (string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	// Claim returns new messages for the consumer, waiting at most Block for the first one.
	Claim(ctx context.Context, req ClaimRequest) ([]StreamMessage, error)
	// Reclaim takes over messages pending longer than MinIdle on any consumer.
	Reclaim(ctx context.Context, req ReclaimRequest) ([]StreamMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

type MarkerState int

const (
	MarkerAcquired MarkerState = iota
	MarkerApplied
	MarkerBusy
)

// CommandMarkers is the idempotency marker keyed by command id.
type CommandMarkers interface {
	BeginCommand(ctx context.Context, commandID, owner string, lease time.Duration) (MarkerState, error)
	CompleteCommand(ctx context.Context, commandID string, ttl time.Duration) error
	ReleaseCommand(ctx context.Context, commandID, owner string) error
}

// CommandSteps reads the step journal that entity writes fill in.
type CommandSteps interface {
	AppliedSteps(ctx context.Context, commandID string) (map[string]bool, error)
}

type CommandStatus string

const (
	CommandApplied   CommandStatus = "applied"
	CommandRejected  CommandStatus = "rejected"
	CommandDropped   CommandStatus = "dropped"
	CommandFailed    CommandStatus = "failed"
	CommandDuplicate CommandStatus = "duplicate"
)

type CommandResult struct {
	CommandID   string        `json:"commandId"`
	Type        string        `json:"type"`
	Status      CommandStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Summary     string        `json:"summary,omitempty"`
	StreamID    string        `json:"streamId"`
	CompletedAt time.Time     `json:"completedAt"`
}

type CommandResultStore interface {
	SaveResult(ctx context.Context, result CommandResult, ttl time.Duration) error
	LoadResult(ctx context.Context, commandID string) (CommandResult, bool, error)
}

type ReservationKey struct {
	Type entity.Type
	ID   string
}

type ReservationState struct {
	Troops   int64
	Reserved int64
	// Held is the amount held for the battle the call referred to.
	Held    int64
	Version int64
}

// Reservations runs reserve and finalize as single indivisible steps.
type Reservations interface {
	Reserve(ctx context.Context, key ReservationKey, battleID string, amount int64, now time.Time) (ReservationState, error)
	Finalize(ctx context.Context, key ReservationKey, battleID string, casualties int64, now time.Time) (ReservationState, error)
}

type Invalidation struct {
	Type    entity.Type
	ID      string
	Version int64
}

type Invalidations interface {
	PublishInvalidation(ctx context.Context, inv Invalidation) error
	// SubscribeInvalidations delivers notices until ctx is done.
	SubscribeInvalidations(ctx context.Context) (<-chan Invalidation, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, channel string, payload []byte) error
}

type BattleStore interface {
	// SaveBattle fails with ErrConflict unless snap's session version is
	// newer than the stored one.
	SaveBattle(ctx context.Context, snap battle.Snapshot, ttl time.Duration) error
	LoadBattle(ctx context.Context, battleID string) (battle.Snapshot, bool, error)
	AppendIntent(ctx context.Context, intent battle.Intent, ttl time.Duration) error
	ListActiveBattles(ctx context.Context) ([]string, error)
	AcquireLease(ctx context.Context, battleID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, battleID, owner string) error
}
