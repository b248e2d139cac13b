package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"warfront/internal/app/entitycache"
	"warfront/internal/app/ports"
)

const (
	DefaultStream = "commands"
	DefaultGroup  = "command-workers"
)

type WorkerConfig struct {
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string
	BatchSize        int
	Block            time.Duration
	ReclaimIdle      time.Duration
	ReclaimEvery     time.Duration
	// MaxDeliveries routes a message to the dead-letter stream once exceeded; zero disables.
	MaxDeliveries int64
	MarkerLease   time.Duration
	// MarkerTTL bounds the applied marker and the step journal. It must
	// outlast redelivery, roughly ReclaimIdle times MaxDeliveries.
	MarkerTTL time.Duration
	ResultTTL time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Stream:        DefaultStream,
		Group:         DefaultGroup,
		Consumer:      "worker",
		BatchSize:     16,
		Block:         2 * time.Second,
		ReclaimIdle:   30 * time.Second,
		ReclaimEvery:  10 * time.Second,
		MaxDeliveries: 5,
		MarkerLease:   30 * time.Second,
		MarkerTTL:     time.Hour,
		ResultTTL:     24 * time.Hour,
	}
}

func (c WorkerConfig) deadLetterStream() string {
	if c.DeadLetterStream != "" {
		return c.DeadLetterStream
	}
	return c.Stream + ":dead"
}

// Worker is one consumer of the command group. Delivery is at-least-once;
// the marker makes the effect exactly-once.
type Worker struct {
	Streams  ports.Streams
	Markers  ports.CommandMarkers
	Results  ports.CommandResultStore
	Steps    ports.CommandSteps
	Cache    entitycache.Cache
	Metrics  ports.CommandMetrics
	Config   WorkerConfig
	Log      zerolog.Logger
	Now      func() time.Time
	Handlers map[Kind]Spec
}

// Outcome is how one message was settled.
type Outcome struct {
	Status ports.CommandStatus
	Acked  bool
	Err    error
}

func (w Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Worker) handlers() map[Kind]Spec {
	if w.Handlers != nil {
		return w.Handlers
	}
	return registry()
}

// Run polls until ctx is done. Store errors back off and never stop the loop.
func (w Worker) Run(ctx context.Context) error {
	if err := w.Streams.EnsureGroup(ctx, w.Config.Stream, w.Config.Group); err != nil {
		return fmt.Errorf("ensure group %s/%s: %w", w.Config.Stream, w.Config.Group, err)
	}
	log := w.Log.With().Str("consumer", w.Config.Consumer).Logger()
	log.Info().Str("stream", w.Config.Stream).Str("group", w.Config.Group).Msg("command worker started")
	var lastReclaim time.Time
	for ctx.Err() == nil {
		if w.Config.ReclaimEvery > 0 && w.now().Sub(lastReclaim) >= w.Config.ReclaimEvery {
			lastReclaim = w.now()
			if _, err := w.Reclaim(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("reclaim failed")
			}
		}
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("claim failed")
			backoff(ctx, w.Config.Block)
		}
	}
	log.Info().Msg("command worker stopped")
	return nil
}

// Poll claims one batch of new messages and settles each of them.
func (w Worker) Poll(ctx context.Context) (int, error) {
	msgs, err := w.Streams.Claim(ctx, ports.ClaimRequest{
		Stream:   w.Config.Stream,
		Group:    w.Config.Group,
		Consumer: w.Config.Consumer,
		Count:    w.Config.BatchSize,
		Block:    w.Config.Block,
	})
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		w.Process(ctx, msg)
	}
	return len(msgs), nil
}

// Reclaim takes over messages another consumer left pending too long.
func (w Worker) Reclaim(ctx context.Context) (int, error) {
	if w.Config.ReclaimIdle <= 0 {
		return 0, nil
	}
	msgs, err := w.Streams.Reclaim(ctx, ports.ReclaimRequest{
		Stream:   w.Config.Stream,
		Group:    w.Config.Group,
		Consumer: w.Config.Consumer,
		MinIdle:  w.Config.ReclaimIdle,
		Count:    w.Config.BatchSize,
	})
	if err != nil {
		return 0, err
	}
	if len(msgs) > 0 {
		w.Log.Info().Int("count", len(msgs)).Str("consumer", w.Config.Consumer).Msg("reclaimed pending commands")
	}
	for _, msg := range msgs {
		w.Process(ctx, msg)
	}
	return len(msgs), nil
}

func (w Worker) Process(ctx context.Context, msg ports.StreamMessage) Outcome {
	log := w.Log.With().Str("streamId", msg.ID).Int64("deliveries", msg.Deliveries).Logger()

	cmd, err := ParseCommand(msg.Values)
	if err != nil {
		log.Error().Err(err).Msg("malformed command")
		return w.deadLetter(ctx, msg, nil, "malformed: "+err.Error())
	}
	log = log.With().Str("commandId", cmd.ID).Str("type", string(cmd.Kind)).Logger()

	spec, ok := w.handlers()[cmd.Kind]
	if !ok {
		log.Warn().Msg("unknown command type dropped")
		w.saveResult(ctx, cmd, msg.ID, ports.CommandDropped, "unknown command type", "")
		return w.ack(ctx, msg, cmd, ports.CommandDropped)
	}
	if w.Config.MaxDeliveries > 0 && msg.Deliveries > w.Config.MaxDeliveries {
		log.Error().Msg("delivery limit exceeded")
		return w.deadLetter(ctx, msg, &cmd, fmt.Sprintf("exceeded %d deliveries", w.Config.MaxDeliveries))
	}

	state, err := w.Markers.BeginCommand(ctx, cmd.ID, w.Config.Consumer, w.Config.MarkerLease)
	if err != nil {
		log.Warn().Err(err).Msg("marker unavailable, leaving pending")
		w.retry(cmd)
		return Outcome{Err: err}
	}
	switch state {
	case ports.MarkerApplied:
		log.Debug().Msg("duplicate command acknowledged")
		return w.ack(ctx, msg, cmd, ports.CommandDuplicate)
	case ports.MarkerBusy:
		log.Debug().Msg("command in progress elsewhere, leaving pending")
		return Outcome{}
	}

	res, herr := w.execute(ctx, spec, cmd)
	switch Classify(herr) {
	case ClassOK:
		w.complete(ctx, cmd, log)
		w.saveResult(ctx, cmd, msg.ID, ports.CommandApplied, "", res.Summary)
		log.Debug().Str("summary", res.Summary).Msg("command applied")
		return w.ack(ctx, msg, cmd, ports.CommandApplied)
	case ClassRejected:
		w.complete(ctx, cmd, log)
		w.saveResult(ctx, cmd, msg.ID, ports.CommandRejected, Reason(herr), "")
		log.Info().Str("reason", Reason(herr)).Msg("command rejected")
		return w.ack(ctx, msg, cmd, ports.CommandRejected)
	case ClassInvariant:
		w.complete(ctx, cmd, log)
		log.Error().Err(herr).Msg("command hit an invariant violation")
		return w.deadLetter(ctx, msg, &cmd, "invariant: "+herr.Error())
	}
	if err := w.Markers.ReleaseCommand(ctx, cmd.ID, w.Config.Consumer); err != nil {
		log.Warn().Err(err).Msg("marker release failed, lease will expire")
	}
	log.Warn().Err(herr).Msg("transient failure, leaving pending")
	w.retry(cmd)
	return Outcome{Err: herr}
}

func (w Worker) execute(ctx context.Context, spec Spec, cmd Command) (res Result, err error) {
	ctx, span := otel.Tracer("warfront/command").Start(ctx, "command "+string(cmd.Kind),
		trace.WithAttributes(
			attribute.String("command.id", cmd.ID),
			attribute.String("command.actor", cmd.ActorID),
			attribute.String("command.category", string(spec.Category)),
		))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", ports.ErrInvariant, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	hc := &Context{Cache: w.Cache, Command: cmd, Now: w.now(), Log: w.Log, stepTTL: w.Config.MarkerTTL}
	if w.Steps != nil {
		applied, err := w.Steps.AppliedSteps(ctx, cmd.ID)
		if err != nil {
			return Result{}, fmt.Errorf("load applied steps: %w", err)
		}
		hc.applied = applied
	}
	return spec.Handler(ctx, hc)
}

func (w Worker) complete(ctx context.Context, cmd Command, log zerolog.Logger) {
	if err := w.Markers.CompleteCommand(ctx, cmd.ID, w.Config.MarkerTTL); err != nil {
		log.Error().Err(err).Msg("marker completion failed")
	}
}

func (w Worker) ack(ctx context.Context, msg ports.StreamMessage, cmd Command, status ports.CommandStatus) Outcome {
	if w.Metrics != nil {
		w.Metrics.RecordCommand(string(cmd.Kind), status)
	}
	if err := w.Streams.Ack(ctx, w.Config.Stream, w.Config.Group, msg.ID); err != nil {
		w.Log.Warn().Err(err).Str("streamId", msg.ID).Msg("ack failed, message will be redelivered")
		return Outcome{Status: status, Err: err}
	}
	return Outcome{Status: status, Acked: true}
}

func (w Worker) retry(cmd Command) {
	if w.Metrics != nil {
		w.Metrics.RecordRetry(string(cmd.Kind))
	}
}

// deadLetter copies the message to the dead-letter stream and acks it. If the
// copy fails the message stays pending.
func (w Worker) deadLetter(ctx context.Context, msg ports.StreamMessage, cmd *Command, reason string) Outcome {
	values := make(map[string]string, len(msg.Values)+4)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["originalId"] = msg.ID
	values["reason"] = reason
	values["deliveries"] = strconv.FormatInt(msg.Deliveries, 10)
	values["deadAt"] = strconv.FormatInt(w.now().UnixMilli(), 10)
	dead := w.Config.deadLetterStream()
	if _, err := w.Streams.Append(ctx, dead, values); err != nil {
		w.Log.Error().Err(err).Str("streamId", msg.ID).Msg("dead-letter append failed")
		return Outcome{Err: err}
	}
	if w.Metrics != nil {
		w.Metrics.RecordDeadLetter(dead)
	}
	if cmd == nil {
		if err := w.Streams.Ack(ctx, w.Config.Stream, w.Config.Group, msg.ID); err != nil {
			return Outcome{Status: ports.CommandFailed, Err: err}
		}
		return Outcome{Status: ports.CommandFailed, Acked: true}
	}
	w.saveResult(ctx, *cmd, msg.ID, ports.CommandFailed, reason, "")
	return w.ack(ctx, msg, *cmd, ports.CommandFailed)
}

func (w Worker) saveResult(ctx context.Context, cmd Command, streamID string, status ports.CommandStatus, reason, summary string) {
	if w.Results == nil {
		return
	}
	err := w.Results.SaveResult(ctx, ports.CommandResult{
		CommandID:   cmd.ID,
		Type:        string(cmd.Kind),
		Status:      status,
		Reason:      reason,
		Summary:     summary,
		StreamID:    streamID,
		CompletedAt: w.now().UTC(),
	}, w.Config.ResultTTL)
	if err != nil {
		w.Log.Warn().Err(err).Str("commandId", cmd.ID).Msg("result save failed")
	}
}

// RunPool runs n workers sharing one consumer group until ctx is done or one fails.
func RunPool(ctx context.Context, base Worker, n int) error {
	if n <= 0 {
		n = 1
	}
	if err := base.Streams.EnsureGroup(ctx, base.Config.Stream, base.Config.Group); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		w := base
		w.Config.Consumer = fmt.Sprintf("%s-%d", base.Config.Consumer, i)
		g.Go(func() error { return w.Run(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func backoff(ctx context.Context, d time.Duration) {
	if d <= 0 || d > time.Second {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
