package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"warfront/internal/app/ports"
)

type Kind string

const (
	KindCollectTaxes Kind = "economy.collect_taxes"
	KindTransferGold Kind = "economy.transfer_gold"
	KindCommission   Kind = "military.commission"
	KindRecruit      Kind = "military.recruit"
	KindDeclareWar   Kind = "diplomacy.declare_war"
	KindMakePeace    Kind = "diplomacy.make_peace"
	KindFormAlliance Kind = "diplomacy.form_alliance"
)

type Category string

const (
	CategoryEconomic   Category = "economic"
	CategoryMilitary   Category = "military"
	CategoryDiplomatic Category = "diplomatic"
)

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrUnknownCommand = errors.New("unknown command type")
	ErrThrottled      = errors.New("command rate exceeded")
)

// Command is one stream message. ID is the client-supplied idempotency key.
type Command struct {
	ID      string          `json:"commandId"`
	Kind    Kind            `json:"type"`
	ActorID string          `json:"actorId"`
	Payload json.RawMessage `json:"payload"`
	Turn    int64           `json:"turn"`
}

func (c Command) Values() map[string]string {
	payload := string(c.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	return map[string]string{
		"commandId": c.ID,
		"type":      string(c.Kind),
		"actorId":   c.ActorID,
		"payload":   payload,
		"turn":      strconv.FormatInt(c.Turn, 10),
	}
}

func ParseCommand(values map[string]string) (Command, error) {
	cmd := Command{
		ID:      strings.TrimSpace(values["commandId"]),
		Kind:    Kind(strings.TrimSpace(values["type"])),
		ActorID: strings.TrimSpace(values["actorId"]),
		Payload: json.RawMessage(values["payload"]),
	}
	if raw := values["turn"]; raw != "" {
		turn, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: turn %q", ErrInvalidCommand, raw)
		}
		cmd.Turn = turn
	}
	if err := cmd.validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func (c *Command) validate() error {
	if c.ID == "" || c.Kind == "" || c.ActorID == "" || c.Turn < 0 {
		return ErrInvalidCommand
	}
	if len(strings.TrimSpace(string(c.Payload))) == 0 {
		c.Payload = json.RawMessage("{}")
	}
	if !json.Valid(c.Payload) {
		return fmt.Errorf("%w: payload is not JSON", ErrInvalidCommand)
	}
	return nil
}

func (c Command) Decode(dst any) error {
	if err := json.Unmarshal(c.Payload, dst); err != nil {
		return Reject("malformed payload: %v", err)
	}
	return nil
}

// ActorLimiter throttles submissions per actor.
type ActorLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *xsync.MapOf[string, *rate.Limiter]
}

func NewActorLimiter(perSecond float64, burst int) *ActorLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ActorLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: xsync.NewMapOf[string, *rate.Limiter](),
	}
}

func (l *ActorLimiter) Allow(actorID string) bool {
	lim, _ := l.limiters.LoadOrCompute(actorID, func() *rate.Limiter {
		return rate.NewLimiter(l.limit, l.burst)
	})
	return lim.Allow()
}

type Submitter struct {
	Streams ports.Streams
	Stream  string
	// Strict refuses kinds missing from the handler table instead of leaving them to the workers.
	Strict  bool
	Limiter *ActorLimiter
	Now     func() time.Time
}

// Submit appends the command and returns its stream position.
func (s Submitter) Submit(ctx context.Context, cmd Command) (string, error) {
	cmd.ID = strings.TrimSpace(cmd.ID)
	cmd.ActorID = strings.TrimSpace(cmd.ActorID)
	cmd.Kind = Kind(strings.TrimSpace(string(cmd.Kind)))
	if err := cmd.validate(); err != nil {
		return "", err
	}
	if s.Strict {
		if _, ok := registry()[cmd.Kind]; !ok {
			return "", ErrUnknownCommand
		}
	}
	if s.Limiter != nil && !s.Limiter.Allow(cmd.ActorID) {
		return "", ErrThrottled
	}
	return s.Streams.Append(ctx, s.Stream, cmd.Values())
}
