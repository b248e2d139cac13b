package battle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"warfront/internal/app/entitycache"
	"warfront/internal/app/ports"
	"warfront/internal/app/reservation"
	"warfront/internal/app/sideeffect"
	domain "warfront/internal/domain/battle"
	"warfront/internal/domain/entity"
)

var ErrInvalidRequest = errors.New("invalid battle request")

type Config struct {
	TickInterval time.Duration
	Rules        domain.Rules
	// TTL bounds how long battle state lives in the primary store after the last write.
	TTL      time.Duration
	LeaseTTL time.Duration
	// StallLimit is how many consecutive advances may fail to reach unit data before the battle ends.
	StallLimit int
	// Owner prefixes lease tokens; every lease-holding call adds a unique suffix.
	Owner string
}

func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		Rules:        domain.DefaultRules(),
		TTL:          24 * time.Hour,
		LeaseTTL:     10 * time.Second,
		StallLimit:   3,
		Owner:        "engine",
	}
}

// Engine drives battle sessions. Every state change happens under the
// per-battle lease so only one process advances a battle at a time.
type Engine struct {
	Store        ports.BattleStore
	Cache        entitycache.Cache
	Reservations reservation.Protocol
	Events       ports.EventPublisher
	Effects      *sideeffect.Dispatcher
	Metrics      ports.BattleMetrics
	Config       Config
	Log          zerolog.Logger
	Now          func() time.Time
	NewID        func() string

	once  sync.Once
	sched *scheduler
}

type StartRequest struct {
	Mode      domain.Mode `json:"mode"`
	Attackers []string    `json:"attackers"`
	Defenders []string    `json:"defenders"`
}

type IntentRequest struct {
	UnitID string              `json:"unitId"`
	Type   domain.IntentType   `json:"type"`
	Params domain.IntentParams `json:"params"`
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Engine) scheduler() *scheduler {
	e.once.Do(func() { e.sched = newScheduler() })
	return e.sched
}

// Start reserves every participant's available troops and moves the session
// to IN_PROGRESS. If any reservation fails, the ones already taken are released.
func (e *Engine) Start(ctx context.Context, req StartRequest) (domain.Snapshot, error) {
	mode, err := domain.ParseMode(string(req.Mode))
	if err != nil {
		return domain.Snapshot{}, err
	}
	attackers, defenders, err := normalizeSides(req.Attackers, req.Defenders)
	if err != nil {
		return domain.Snapshot{}, err
	}

	commanders := make(map[string]*entity.Commander, len(attackers)+len(defenders))
	for _, id := range append(append([]string{}, attackers...), defenders...) {
		c, err := entitycache.Commander(ctx, e.Cache, id)
		if err != nil {
			return domain.Snapshot{}, err
		}
		if c.Status == entity.CommanderDestroyed {
			return domain.Snapshot{}, fmt.Errorf("%w: commander %s is destroyed", ErrInvalidRequest, id)
		}
		if c.Available() <= 0 {
			return domain.Snapshot{}, fmt.Errorf("%w: commander %s has no available troops", ports.ErrInsufficientResource, id)
		}
		commanders[id] = c
	}

	now := e.now()
	snap := domain.Snapshot{Session: domain.Session{
		ID:                 e.newID(),
		Mode:               mode,
		Status:             domain.StatusPreparing,
		AttackerFactions:   factionsOf(attackers, commanders),
		DefenderFactions:   factionsOf(defenders, commanders),
		AttackerCommanders: attackers,
		DefenderCommanders: defenders,
		Version:            1,
		CreatedAt:          now,
	}}
	if err := e.Store.SaveBattle(ctx, snap, e.Config.TTL); err != nil {
		return domain.Snapshot{}, err
	}
	log := e.Log.With().Str("battle", snap.Session.ID).Logger()

	var participants []domain.Participant
	var reserved []string
	for _, side := range []struct {
		side domain.Side
		ids  []string
	}{{domain.SideAttacker, attackers}, {domain.SideDefender, defenders}} {
		for _, id := range side.ids {
			c := commanders[id]
			state, err := e.Reservations.Reserve(ctx, id, snap.Session.ID, c.Available())
			if err != nil {
				log.Warn().Err(err).Str("commander", id).Msg("reservation failed, aborting battle")
				e.abortStart(ctx, &snap, reserved)
				return snap, err
			}
			reserved = append(reserved, id)
			participants = append(participants, domain.Participant{
				CommanderID: id,
				Side:        side.side,
				Troops:      state.Held,
				Attack:      c.Attack,
				Defense:     c.Defense,
				Speed:       c.Speed,
				Morale:      c.Morale,
			})
		}
	}

	snap.Units = domain.Deploy(snap.Session.ID, participants, e.Config.Rules)
	snap.Session.Status = domain.StatusInProgress
	snap.Session.StartedAt = e.now()
	snap.Session.Version++
	if err := e.Store.SaveBattle(ctx, snap, e.Config.TTL); err != nil {
		// Reservations stay held; Resume settles battles whose state was lost.
		return snap, err
	}
	if e.Metrics != nil {
		e.Metrics.RecordBattleStarted(string(mode))
	}
	log.Info().Str("mode", string(mode)).Int("units", len(snap.Units)).Msg("battle started")
	if mode == domain.ModeRealtime {
		e.schedule(snap.Session.ID)
	}
	return snap, nil
}

func (e *Engine) abortStart(ctx context.Context, snap *domain.Snapshot, reserved []string) {
	for _, id := range reserved {
		if err := e.Reservations.Release(ctx, id, snap.Session.ID); err != nil {
			e.Log.Error().Err(err).Str("battle", snap.Session.ID).Str("commander", id).Msg("release after failed start")
			snap.Session.Unsettled = append(snap.Session.Unsettled, id)
		}
	}
	snap.Session.Status = domain.StatusCancelled
	snap.Session.EndedAt = e.now()
	snap.Session.Result = &domain.Result{Winner: domain.WinnerNone, Reason: domain.ReasonReservationFailed, Casualties: map[string]int64{}}
	snap.Session.Version++
	if err := e.Store.SaveBattle(ctx, *snap, e.Config.TTL); err != nil {
		e.Log.Error().Err(err).Str("battle", snap.Session.ID).Msg("save aborted battle")
	}
}

func (e *Engine) Get(ctx context.Context, battleID string) (domain.Snapshot, error) {
	snap, ok, err := e.Store.LoadBattle(ctx, battleID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("%w: battle %s", ports.ErrNotFound, battleID)
	}
	return snap, nil
}

// IssueIntent queues an order for the next advance.
func (e *Engine) IssueIntent(ctx context.Context, battleID string, req IntentRequest) (domain.Intent, error) {
	snap, err := e.Get(ctx, battleID)
	if err != nil {
		return domain.Intent{}, err
	}
	if snap.Session.Status != domain.StatusInProgress {
		return domain.Intent{}, domain.ErrInvalidTransition
	}
	in := domain.Intent{
		ID:       ulid.Make().String(),
		BattleID: battleID,
		UnitID:   strings.TrimSpace(req.UnitID),
		Type:     req.Type,
		Params:   req.Params,
		Status:   domain.IntentPending,
		IssuedAt: snap.Session.Counter(),
	}
	if err := domain.ValidateIntent(snap, in); err != nil {
		return domain.Intent{}, err
	}
	if err := e.Store.AppendIntent(ctx, in, e.Config.TTL); err != nil {
		return domain.Intent{}, err
	}
	return in, nil
}

// Advance runs one round (turn-based) or tick (realtime).
func (e *Engine) Advance(ctx context.Context, battleID string) (domain.Snapshot, error) {
	ctx, span := otel.Tracer("warfront/battle").Start(ctx, "battle advance",
		trace.WithAttributes(attribute.String("battle.id", battleID)))
	defer span.End()

	var out domain.Snapshot
	err := e.withLease(ctx, battleID, func() error {
		snap, err := e.Get(ctx, battleID)
		if err != nil {
			return err
		}
		if snap.Session.Status != domain.StatusInProgress {
			return domain.ErrInvalidTransition
		}
		started := time.Now()
		defer func() {
			if e.Metrics != nil {
				e.Metrics.RecordAdvance(time.Since(started))
			}
		}()

		if len(snap.Units) == 0 {
			snap.Session.EmptyAdvances++
			if snap.Session.EmptyAdvances >= e.stallLimit() {
				e.Log.Error().Str("battle", battleID).Int("advances", snap.Session.EmptyAdvances).Msg("no unit data reachable, ending battle")
				out, err = e.finish(ctx, snap, domain.Outcome{Winner: domain.WinnerDraw, Reason: domain.ReasonExhaustion}, domain.StatusCompleted)
				return err
			}
			snap.Session.Version++
			out = snap
			return e.Store.SaveBattle(ctx, snap, e.Config.TTL)
		}
		snap.Session.EmptyAdvances = 0

		step := domain.Advance(&snap, e.Config.Rules, e.now())
		span.SetAttributes(attribute.Int("battle.counter", snap.Session.Counter()))
		if step.Outcome != nil {
			// Round events go out before the final state so the stream stays in order.
			e.publish(ctx, snap.Session.ID, snap.Session.Version+1, step.Events)
			out, err = e.finish(ctx, snap, *step.Outcome, domain.StatusCompleted)
			return err
		}
		snap.Session.Version++
		if err := e.Store.SaveBattle(ctx, snap, e.Config.TTL); err != nil {
			return err
		}
		e.publish(ctx, snap.Session.ID, snap.Session.Version, step.Events)
		out = snap
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

// Cancel aborts a battle. Reservations are still finalized with the losses so far.
func (e *Engine) Cancel(ctx context.Context, battleID string) (domain.Snapshot, error) {
	var out domain.Snapshot
	err := e.withLease(ctx, battleID, func() error {
		snap, err := e.Get(ctx, battleID)
		if err != nil {
			return err
		}
		if snap.Session.Status.Terminal() {
			return domain.ErrInvalidTransition
		}
		out, err = e.finish(ctx, snap, domain.Outcome{Winner: domain.WinnerNone, Reason: domain.ReasonCancelled}, domain.StatusCancelled)
		return err
	})
	return out, err
}

// finish settles every participant and stores the result.
func (e *Engine) finish(ctx context.Context, snap domain.Snapshot, outcome domain.Outcome, status domain.Status) (domain.Snapshot, error) {
	id := snap.Session.ID
	log := e.Log.With().Str("battle", id).Logger()
	// The schedule's context may be the one passed in, so it is stopped last.
	defer e.scheduler().stop(id)

	casualties := domain.Casualties(snap.Units)
	snap.Session.Unsettled = nil
	for _, cid := range snap.Session.Commanders() {
		if err := e.settle(ctx, id, cid, casualties[cid]); err != nil {
			log.Warn().Err(err).Str("commander", cid).Msg("finalize failed, will retry")
			snap.Session.Unsettled = append(snap.Session.Unsettled, cid)
		}
	}

	var events []domain.Event
	var destroyed []string
	for _, cid := range domain.Wiped(snap.Units) {
		_, err := entitycache.Update(ctx, e.Cache, entity.TypeCommander, cid, 0, func(c *entity.Commander) ([]string, error) {
			c.Status = entity.CommanderDestroyed
			return []string{entity.FieldStatus}, nil
		})
		if err != nil {
			log.Warn().Err(err).Str("commander", cid).Msg("mark commander destroyed")
			continue
		}
		destroyed = append(destroyed, cid)
		events = append(events, domain.Event{Type: domain.EventGeneralKIA, BattleID: id, Timestamp: e.now().UnixMilli(), Data: map[string]any{"commanderId": cid}})
	}

	snap.Session.Status = status
	snap.Session.EndedAt = e.now()
	snap.Session.Result = &domain.Result{
		Winner:              outcome.Winner,
		Reason:              outcome.Reason,
		Casualties:          casualties,
		DestroyedCommanders: destroyed,
		Rounds:              snap.Session.Counter(),
	}
	snap.Session.Version++
	if err := e.Store.SaveBattle(ctx, snap, e.Config.TTL); err != nil {
		return snap, err
	}
	events = append(events, domain.Event{Type: domain.EventBattleFinished, BattleID: id, Timestamp: e.now().UnixMilli(), Data: snap.Session.Result})
	e.publish(ctx, id, snap.Session.Version, events)
	if e.Metrics != nil {
		e.Metrics.RecordBattleFinished(string(outcome.Reason), snap.Session.Counter())
	}
	log.Info().
		Str("winner", string(outcome.Winner)).
		Str("reason", string(outcome.Reason)).
		Int("rounds", snap.Session.Counter()).
		Msg("battle finished")
	return snap, nil
}

// settle finalizes one participant. A missing reservation means it was
// already released elsewhere and counts as settled.
func (e *Engine) settle(ctx context.Context, battleID, commanderID string, casualties int64) error {
	_, err := e.Reservations.Finalize(ctx, commanderID, battleID, casualties)
	if errors.Is(err, ports.ErrNotReserved) {
		return nil
	}
	return err
}

// Settle retries finalize for participants a finished battle could not settle.
func (e *Engine) Settle(ctx context.Context, battleID string) error {
	return e.withLease(ctx, battleID, func() error {
		snap, err := e.Get(ctx, battleID)
		if err != nil {
			return err
		}
		if !snap.Session.Status.Terminal() || len(snap.Session.Unsettled) == 0 {
			return nil
		}
		var casualties map[string]int64
		if snap.Session.Result != nil {
			casualties = snap.Session.Result.Casualties
		}
		var still []string
		for _, cid := range snap.Session.Unsettled {
			if err := e.settle(ctx, battleID, cid, casualties[cid]); err != nil {
				still = append(still, cid)
			}
		}
		snap.Session.Unsettled = still
		snap.Session.Version++
		return e.Store.SaveBattle(ctx, snap, e.Config.TTL)
	})
}

func (e *Engine) withLease(ctx context.Context, battleID string, fn func() error) error {
	ttl := e.Config.LeaseTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	// Each call holds its own token, so two calls in one process exclude each
	// other the same way two processes do.
	token := e.Config.Owner + ":" + ulid.Make().String()
	ok, err := e.Store.AcquireLease(ctx, battleID, token, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ports.ErrBusy
	}
	defer func() {
		if err := e.Store.ReleaseLease(context.WithoutCancel(ctx), battleID, token); err != nil {
			e.Log.Warn().Err(err).Str("battle", battleID).Msg("lease release failed")
		}
	}()
	return fn()
}

func (e *Engine) stallLimit() int {
	if e.Config.StallLimit > 0 {
		return e.Config.StallLimit
	}
	return 3
}

// publish sends events to the battle's channel after the state they describe is stored.
func (e *Engine) publish(ctx context.Context, battleID string, version int64, events []domain.Event) {
	if e.Events == nil || len(events) == 0 {
		return
	}
	channel := domain.EventsChannel(battleID)
	for _, ev := range events {
		ev.Version = version
		payload, err := json.Marshal(ev)
		if err != nil {
			e.Log.Error().Err(err).Str("battle", battleID).Str("event", string(ev.Type)).Msg("encode event")
			continue
		}
		send := func(ctx context.Context) error { return e.Events.PublishEvent(ctx, channel, payload) }
		if e.Effects != nil {
			e.Effects.Dispatch("battle event "+string(ev.Type), send)
			continue
		}
		if err := send(ctx); err != nil {
			e.Log.Warn().Err(err).Str("battle", battleID).Msg("event publish failed")
		}
	}
}

func normalizeSides(attackers, defenders []string) ([]string, []string, error) {
	seen := map[string]bool{}
	clean := func(ids []string) ([]string, error) {
		var out []string
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if seen[id] {
				return nil, fmt.Errorf("%w: commander %s listed twice", ErrInvalidRequest, id)
			}
			seen[id] = true
			out = append(out, id)
		}
		return out, nil
	}
	a, err := clean(attackers)
	if err != nil {
		return nil, nil, err
	}
	d, err := clean(defenders)
	if err != nil {
		return nil, nil, err
	}
	if len(a) == 0 || len(d) == 0 {
		return nil, nil, fmt.Errorf("%w: both sides need a commander", ErrInvalidRequest)
	}
	return a, d, nil
}

func factionsOf(ids []string, commanders map[string]*entity.Commander) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range ids {
		f := commanders[id].FactionID
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
