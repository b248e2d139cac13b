package command

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"warfront/internal/adapter/metrics/inmemory"
	"warfront/internal/adapter/primary/memory"
	"warfront/internal/app/entitycache"
	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

type testClock struct{ now atomic.Int64 }

func newTestClock() *testClock {
	c := &testClock{}
	c.now.Store(time.Unix(1700000000, 0).UnixNano())
	return c
}

func (c *testClock) Now() time.Time          { return time.Unix(0, c.now.Load()).UTC() }
func (c *testClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

type fixture struct {
	store   *memory.Store
	cache   entitycache.Cache
	clock   *testClock
	metrics *inmemory.Recorder
	worker  Worker
	submit  Submitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTestClock()
	store := memory.NewStore(memory.Options{Now: clock.Now})
	cache := entitycache.Cache{Store: store, Invalidations: store, Log: zerolog.Nop(), Now: clock.Now}
	metrics := inmemory.NewRecorder()
	cfg := DefaultWorkerConfig()
	cfg.Block = 0
	cfg.ReclaimIdle = time.Second
	cfg.MaxDeliveries = 3
	f := &fixture{
		store:   store,
		cache:   cache,
		clock:   clock,
		metrics: metrics,
		worker: Worker{
			Streams: store,
			Markers: store,
			Results: store,
			Steps:   store,
			Cache:   cache,
			Metrics: metrics,
			Config:  cfg,
			Log:     zerolog.Nop(),
			Now:     clock.Now,
		},
		submit: Submitter{Streams: store, Stream: cfg.Stream, Now: clock.Now},
	}
	if err := store.EnsureGroup(context.Background(), cfg.Stream, cfg.Group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	seed(t, cache,
		&entity.Faction{Meta: entity.Meta{ID: "f1"}, Name: "North", Treasury: 1000},
		&entity.Faction{Meta: entity.Meta{ID: "f2"}, Name: "South", Treasury: 50},
		&entity.Settlement{Meta: entity.Meta{ID: "s1"}, Name: "Keep", FactionID: "f1", Population: 1000, TaxRate: 0.1},
		&entity.Settlement{Meta: entity.Meta{ID: "s2"}, Name: "Port", FactionID: "f2", Population: 300, TaxRate: 0.2},
		&entity.Commander{Meta: entity.Meta{ID: "c1"}, Name: "Aldric", FactionID: "f1", Troops: 100, Status: entity.CommanderActive},
	)
	return f
}

func seed(t *testing.T, cache entitycache.Cache, entities ...entity.Entity) {
	t.Helper()
	for _, e := range entities {
		if err := cache.Create(context.Background(), e); err != nil {
			t.Fatalf("seed %s: %v", e.Base().ID, err)
		}
	}
}

func (f *fixture) send(t *testing.T, id string, kind Kind, actor, payload string) {
	t.Helper()
	_, err := f.submit.Submit(context.Background(), Command{ID: id, Kind: kind, ActorID: actor, Payload: []byte(payload), Turn: 3})
	if err != nil {
		t.Fatalf("submit %s: %v", id, err)
	}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for {
		n, err := f.worker.Poll(context.Background())
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if n == 0 {
			return
		}
	}
}

func (f *fixture) result(t *testing.T, id string) ports.CommandResult {
	t.Helper()
	res, ok, err := f.store.LoadResult(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("expected result for %s, ok=%v err=%v", id, ok, err)
	}
	return res
}

func (f *fixture) treasury(t *testing.T, id string) int64 {
	t.Helper()
	fac, err := entitycache.Faction(context.Background(), f.cache, id)
	if err != nil {
		t.Fatalf("load faction %s: %v", id, err)
	}
	return fac.Treasury
}

func TestDuplicateCommandAppliesOnce(t *testing.T) {
	f := newFixture(t)
	f.send(t, "cmd-1", KindCollectTaxes, "f1", `{"settlementId":"s1"}`)
	f.send(t, "cmd-1", KindCollectTaxes, "f1", `{"settlementId":"s1"}`)
	f.drain(t)

	if got := f.treasury(t, "f1"); got != 1100 {
		t.Fatalf("expected one tax collection, treasury=%d", got)
	}
	if res := f.result(t, "cmd-1"); res.Status != ports.CommandApplied {
		t.Fatalf("expected applied result, got %+v", res)
	}
	if n := f.store.Pending(f.worker.Config.Stream, f.worker.Config.Group); n != 0 {
		t.Fatalf("expected both deliveries acked, pending=%d", n)
	}
	snap := f.metrics.Snapshot()
	if snap.CommandsByStatus["duplicate"] != 1 || snap.CommandsByStatus["applied"] != 1 {
		t.Fatalf("expected one applied and one duplicate, got %+v", snap.CommandsByStatus)
	}
}

func TestUnknownKindIsDroppedAndAcked(t *testing.T) {
	f := newFixture(t)
	f.send(t, "cmd-x", Kind("economy.print_money"), "f1", `{}`)
	f.drain(t)

	if res := f.result(t, "cmd-x"); res.Status != ports.CommandDropped {
		t.Fatalf("expected dropped, got %+v", res)
	}
	if n := f.store.Pending(f.worker.Config.Stream, f.worker.Config.Group); n != 0 {
		t.Fatalf("unknown command must not be retried, pending=%d", n)
	}
	if dead := f.store.Messages("commands:dead"); len(dead) != 0 {
		t.Fatalf("unknown command must not be dead-lettered, got %d", len(dead))
	}
}

func TestRejectionIsAcknowledgedWithReason(t *testing.T) {
	f := newFixture(t)
	f.send(t, "cmd-2", KindTransferGold, "f2", `{"toFactionId":"f1","amount":5000}`)
	f.drain(t)

	res := f.result(t, "cmd-2")
	if res.Status != ports.CommandRejected || !strings.Contains(res.Reason, "treasury") {
		t.Fatalf("expected treasury rejection, got %+v", res)
	}
	if f.treasury(t, "f2") != 50 || f.treasury(t, "f1") != 1000 {
		t.Fatal("rejected transfer must not move gold")
	}
	if n := f.store.Pending(f.worker.Config.Stream, f.worker.Config.Group); n != 0 {
		t.Fatalf("rejection must be acked, pending=%d", n)
	}
}

func TestTransientFailureIsRedelivered(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.worker.Handlers = map[Kind]Spec{
		KindCollectTaxes: {Kind: KindCollectTaxes, Category: CategoryEconomic, Handler: func(ctx context.Context, hc *Context) (Result, error) {
			if calls.Add(1) == 1 {
				return Result{}, errors.New("primary store timeout")
			}
			return collectTaxes(ctx, hc)
		}},
	}
	f.send(t, "cmd-3", KindCollectTaxes, "f1", `{"settlementId":"s1"}`)
	f.drain(t)

	if n := f.store.Pending(f.worker.Config.Stream, f.worker.Config.Group); n != 1 {
		t.Fatalf("transient failure must stay pending, pending=%d", n)
	}
	if _, ok, _ := f.store.LoadResult(context.Background(), "cmd-3"); ok {
		t.Fatal("transient failure must not publish a result")
	}

	f.clock.Advance(2 * time.Second)
	if n, err := f.worker.Reclaim(context.Background()); err != nil || n != 1 {
		t.Fatalf("expected one reclaimed message, n=%d err=%v", n, err)
	}
	if f.treasury(t, "f1") != 1100 || calls.Load() != 2 {
		t.Fatalf("expected applied on retry, treasury=%d calls=%d", f.treasury(t, "f1"), calls.Load())
	}
	if n := f.store.Pending(f.worker.Config.Stream, f.worker.Config.Group); n != 0 {
		t.Fatalf("expected ack after retry, pending=%d", n)
	}
}

func TestDeadLetterAfterMaxDeliveries(t *testing.T) {
	f := newFixture(t)
	f.worker.Config.MaxDeliveries = 2
	f.worker.Handlers = map[Kind]Spec{
		KindCollectTaxes: {Kind: KindCollectTaxes, Handler: func(context.Context, *Context) (Result, error) {
			return Result{}, errors.New("still down")
		}},
	}
	f.send(t, "cmd-4", KindCollectTaxes, "f1", `{"settlementId":"s1"}`)
	f.drain(t)
	for i := 0; i < 2; i++ {
		f.clock.Advance(2 * time.Second)
		if _, err := f.worker.Reclaim(context.Background()); err != nil {
			t.Fatalf("reclaim: %v", err)
		}
	}

	dead := f.store.Messages("commands:dead")
	if len(dead) != 1 || dead[0].Values["commandId"] != "cmd-4" || dead[0].Values["deliveries"] != "3" {
		t.Fatalf("expected one dead letter after the third delivery, got %+v", dead)
	}
	if n := f.store.Pending(f.worker.Config.Stream, f.worker.Config.Group); n != 0 {
		t.Fatalf("dead-lettered message must be acked, pending=%d", n)
	}
	if res := f.result(t, "cmd-4"); res.Status != ports.CommandFailed {
		t.Fatalf("expected failed result, got %+v", res)
	}
}

func TestInvariantViolationIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	f.worker.Handlers = map[Kind]Spec{
		KindRecruit: {Kind: KindRecruit, Handler: func(context.Context, *Context) (Result, error) {
			panic("nil settlement")
		}},
	}
	f.send(t, "cmd-5", KindRecruit, "f1", `{}`)
	f.drain(t)

	if dead := f.store.Messages("commands:dead"); len(dead) != 1 || !strings.HasPrefix(dead[0].Values["reason"], "invariant") {
		t.Fatalf("expected invariant dead letter, got %+v", dead)
	}
	snap := f.metrics.Snapshot()
	if snap.DeadLetters != 1 {
		t.Fatalf("expected dead letter metric, got %+v", snap.DeadLetters)
	}
}

func TestMalformedMessageIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.Append(context.Background(), "commands", map[string]string{"type": "economy.collect_taxes"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.drain(t)
	if dead := f.store.Messages("commands:dead"); len(dead) != 1 || !strings.HasPrefix(dead[0].Values["reason"], "malformed") {
		t.Fatalf("expected malformed dead letter, got %+v", dead)
	}
}

func TestBusyMarkerLeavesMessagePending(t *testing.T) {
	f := newFixture(t)
	state, err := f.store.BeginCommand(context.Background(), "cmd-6", "other-worker", time.Minute)
	if err != nil || state != ports.MarkerAcquired {
		t.Fatalf("begin: %v %v", state, err)
	}
	f.send(t, "cmd-6", KindCollectTaxes, "f1", `{"settlementId":"s1"}`)
	f.drain(t)
	if f.treasury(t, "f1") != 1000 {
		t.Fatal("command held by another consumer must not run")
	}
	if n := f.store.Pending(f.worker.Config.Stream, f.worker.Config.Group); n != 1 {
		t.Fatalf("expected message left pending, pending=%d", n)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.submit.Submit(ctx, Command{Kind: KindRecruit, ActorID: "f1"}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand for missing id, got %v", err)
	}
	if _, err := f.submit.Submit(ctx, Command{ID: "a", Kind: KindRecruit, ActorID: "f1", Payload: []byte("{nope")}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand for bad payload, got %v", err)
	}

	strict := f.submit
	strict.Strict = true
	if _, err := strict.Submit(ctx, Command{ID: "b", Kind: "military.nuke", ActorID: "f1"}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}

	throttled := f.submit
	throttled.Limiter = NewActorLimiter(0, 1)
	if _, err := throttled.Submit(ctx, Command{ID: "c", Kind: KindRecruit, ActorID: "f1"}); err != nil {
		t.Fatalf("first submit within burst: %v", err)
	}
	if _, err := throttled.Submit(ctx, Command{ID: "d", Kind: KindRecruit, ActorID: "f1"}); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	if _, err := throttled.Submit(ctx, Command{ID: "e", Kind: KindRecruit, ActorID: "f2"}); err != nil {
		t.Fatalf("other actors keep their own budget: %v", err)
	}
}

func TestParseCommandRoundTrip(t *testing.T) {
	cmd := Command{ID: "x", Kind: KindDeclareWar, ActorID: "f1", Payload: []byte(`{"targetFactionId":"f2"}`), Turn: 12}
	got, err := ParseCommand(cmd.Values())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ID != "x" || got.Kind != KindDeclareWar || got.Turn != 12 || string(got.Payload) != `{"targetFactionId":"f2"}` {
		t.Fatalf("unexpected command: %+v", got)
	}
	if _, err := ParseCommand(map[string]string{"commandId": "x", "type": "t", "actorId": "a", "turn": "soon"}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand for bad turn, got %v", err)
	}
}

func TestRunPoolSharesTheGroup(t *testing.T) {
	store := memory.NewStore(memory.Options{})
	cache := entitycache.Cache{Store: store, Log: zerolog.Nop()}
	seed(t, cache,
		&entity.Faction{Meta: entity.Meta{ID: "f1"}, Treasury: 0},
		&entity.Settlement{Meta: entity.Meta{ID: "s1"}, FactionID: "f1", Population: 100, TaxRate: 0.1},
	)
	cfg := DefaultWorkerConfig()
	cfg.Block = 20 * time.Millisecond
	cfg.ReclaimIdle = 50 * time.Millisecond
	cfg.ReclaimEvery = 50 * time.Millisecond
	base := Worker{Streams: store, Markers: store, Results: store, Cache: cache, Config: cfg, Log: zerolog.Nop()}
	sub := Submitter{Streams: store, Stream: cfg.Stream}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunPool(ctx, base, 3) }()

	const n = 12
	for i := 0; i < n; i++ {
		id := "pool-" + string(rune('a'+i))
		if _, err := sub.Submit(context.Background(), Command{ID: id, Kind: KindCollectTaxes, ActorID: "f1", Payload: []byte(`{"settlementId":"s1"}`)}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		fac, err := entitycache.Faction(context.Background(), cache, "f1")
		if err == nil && fac.Treasury == n*10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool did not apply all commands, faction=%+v err=%v", fac, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pool returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}
