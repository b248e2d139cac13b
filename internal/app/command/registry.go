package command

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"warfront/internal/app/entitycache"
	"warfront/internal/app/ports"
)

// Context is what a handler sees of one claimed command.
type Context struct {
	Cache   entitycache.Cache
	Command Command
	Now     time.Time
	Log     zerolog.Logger

	applied map[string]bool
	stepTTL time.Duration
}

// Applied reports whether step name already ran for this command.
func (hc *Context) Applied(name string) bool { return hc.applied[name] }

// Step runs fn unless an earlier delivery applied it. fn makes at most one
// write through the cache; that write journals the step atomically, so a
// redelivered command resumes after its last applied step. Checks a step
// depends on belong inside fn.
func (hc *Context) Step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if hc.applied[name] {
		hc.Log.Debug().Str("step", name).Msg("step already applied")
		return nil
	}
	ctx = entitycache.WithStep(ctx, ports.StepMark{CommandID: hc.Command.ID, Step: name, TTL: hc.stepTTL})
	err := fn(ctx)
	if errors.Is(err, ports.ErrStepApplied) {
		err = nil
	}
	if err != nil {
		return err
	}
	if hc.applied == nil {
		hc.applied = make(map[string]bool)
	}
	hc.applied[name] = true
	return nil
}

type Result struct {
	Summary string
}

// Handler loads entities through the cache, computes new values and writes
// them back with set. A returned error decides whether the message is acked.
type Handler func(ctx context.Context, hc *Context) (Result, error)

type Spec struct {
	Kind     Kind
	Category Category
	Handler  Handler
}

func registry() map[Kind]Spec {
	specs := []Spec{
		{Kind: KindCollectTaxes, Category: CategoryEconomic, Handler: collectTaxes},
		{Kind: KindTransferGold, Category: CategoryEconomic, Handler: transferGold},
		{Kind: KindCommission, Category: CategoryMilitary, Handler: commission},
		{Kind: KindRecruit, Category: CategoryMilitary, Handler: recruit},
		{Kind: KindDeclareWar, Category: CategoryDiplomatic, Handler: declareWar},
		{Kind: KindMakePeace, Category: CategoryDiplomatic, Handler: makePeace},
		{Kind: KindFormAlliance, Category: CategoryDiplomatic, Handler: formAlliance},
	}
	out := make(map[Kind]Spec, len(specs))
	for _, s := range specs {
		out[s.Kind] = s
	}
	return out
}

// Kinds lists the supported command kinds.
func Kinds() []Kind {
	out := make([]Kind, 0, 7)
	for k := range registry() {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func Lookup(kind Kind) (Spec, bool) {
	s, ok := registry()[kind]
	return s, ok
}
