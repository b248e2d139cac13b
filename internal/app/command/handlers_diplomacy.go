package command

import (
	"context"
	"fmt"

	"warfront/internal/app/entitycache"
	"warfront/internal/domain/entity"
)

type diplomacyPayload struct {
	TargetFactionID string `json:"targetFactionId"`
}

func declareWar(ctx context.Context, hc *Context) (Result, error) {
	return changeStance(ctx, hc, entity.StanceWar, -50, func(current entity.Stance) error {
		switch current {
		case entity.StanceWar:
			return Reject("already at war")
		case entity.StanceAlliance:
			return Reject("cannot declare war on an ally")
		}
		return nil
	})
}

func makePeace(ctx context.Context, hc *Context) (Result, error) {
	return changeStance(ctx, hc, entity.StancePeace, 25, func(current entity.Stance) error {
		if current != entity.StanceWar {
			return Reject("not at war")
		}
		return nil
	})
}

func formAlliance(ctx context.Context, hc *Context) (Result, error) {
	return changeStance(ctx, hc, entity.StanceAlliance, 25, func(current entity.Stance) error {
		switch current {
		case entity.StanceAlliance:
			return Reject("already allied")
		case entity.StanceWar:
			return Reject("cannot ally while at war")
		}
		return nil
	})
}

func changeStance(ctx context.Context, hc *Context, next entity.Stance, scoreDelta int64, allowed func(entity.Stance) error) (Result, error) {
	var p diplomacyPayload
	if err := hc.Command.Decode(&p); err != nil {
		return Result{}, err
	}
	actor := hc.Command.ActorID
	if p.TargetFactionID == "" || p.TargetFactionID == actor {
		return Result{}, Reject("invalid target faction %q", p.TargetFactionID)
	}
	summary := fmt.Sprintf("%s with %s: %s", actor, p.TargetFactionID, next)
	err := hc.Step(ctx, "stance", func(ctx context.Context) error {
		if _, err := entitycache.Faction(ctx, hc.Cache, actor); err != nil {
			return err
		}
		if _, err := entitycache.Faction(ctx, hc.Cache, p.TargetFactionID); err != nil {
			return err
		}
		rel, err := entitycache.Relation(ctx, hc.Cache, actor, p.TargetFactionID)
		if err != nil {
			return err
		}
		if err := allowed(rel.Stance); err != nil {
			return err
		}
		rel.Stance = next
		rel.Score += scoreDelta
		rel.SinceTurn = hc.Command.Turn
		summary = fmt.Sprintf("%s: %s", rel.ID, rel.Stance)
		if rel.Version == 0 {
			return hc.Cache.Create(ctx, rel)
		}
		return hc.Cache.Set(ctx, rel, "stance", "score", "sinceTurn")
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Summary: summary}, nil
}
