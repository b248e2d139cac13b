package command

import (
	"context"
	"fmt"
	"math"
	"strings"

	"warfront/internal/app/entitycache"
	"warfront/internal/domain/entity"
)

type collectTaxesPayload struct {
	SettlementID string `json:"settlementId"`
}

func collectTaxes(ctx context.Context, hc *Context) (Result, error) {
	var p collectTaxesPayload
	if err := hc.Command.Decode(&p); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(p.SettlementID) == "" {
		return Result{}, Reject("settlementId is required")
	}
	summary := "collected taxes"
	err := hc.Step(ctx, "credit", func(ctx context.Context) error {
		settlement, err := entitycache.Settlement(ctx, hc.Cache, p.SettlementID)
		if err != nil {
			return err
		}
		if settlement.FactionID != hc.Command.ActorID {
			return Reject("settlement %s does not belong to %s", p.SettlementID, hc.Command.ActorID)
		}
		tax := int64(math.Floor(float64(settlement.Population) * settlement.TaxRate))
		if tax <= 0 {
			summary = "nothing to collect"
			return nil
		}
		faction, err := creditTreasury(ctx, hc, hc.Command.ActorID, tax)
		if err != nil {
			return err
		}
		summary = fmt.Sprintf("collected %d, treasury %d", tax, faction.Treasury)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Summary: summary}, nil
}

type transferGoldPayload struct {
	ToFactionID string `json:"toFactionId"`
	Amount      int64  `json:"amount"`
}

func transferGold(ctx context.Context, hc *Context) (Result, error) {
	var p transferGoldPayload
	if err := hc.Command.Decode(&p); err != nil {
		return Result{}, err
	}
	if p.Amount <= 0 {
		return Result{}, Reject("amount must be positive")
	}
	if p.ToFactionID == "" || p.ToFactionID == hc.Command.ActorID {
		return Result{}, Reject("invalid recipient %q", p.ToFactionID)
	}
	if hc.Applied("refund") {
		return Result{}, Reject("transfer to %s was refunded", p.ToFactionID)
	}
	err := hc.Step(ctx, "debit", func(ctx context.Context) error {
		if _, err := entitycache.Faction(ctx, hc.Cache, p.ToFactionID); err != nil {
			return err
		}
		_, err := debitTreasury(ctx, hc, hc.Command.ActorID, p.Amount)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	err = hc.Step(ctx, "credit", func(ctx context.Context) error {
		_, err := creditTreasury(ctx, hc, p.ToFactionID, p.Amount)
		return err
	})
	if Classify(err) == ClassRejected {
		// The recipient went away after the debit.
		if rerr := hc.Step(ctx, "refund", func(ctx context.Context) error {
			_, err := creditTreasury(ctx, hc, hc.Command.ActorID, p.Amount)
			return err
		}); rerr != nil {
			return Result{}, rerr
		}
		return Result{}, err
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Summary: fmt.Sprintf("transferred %d to %s", p.Amount, p.ToFactionID)}, nil
}

func creditTreasury(ctx context.Context, hc *Context, factionID string, amount int64) (*entity.Faction, error) {
	return entitycache.Update(ctx, hc.Cache, entity.TypeFaction, factionID, 0, func(f *entity.Faction) ([]string, error) {
		f.Treasury += amount
		return []string{"treasury"}, nil
	})
}

func debitTreasury(ctx context.Context, hc *Context, factionID string, amount int64) (*entity.Faction, error) {
	return entitycache.Update(ctx, hc.Cache, entity.TypeFaction, factionID, 0, func(f *entity.Faction) ([]string, error) {
		if f.Treasury < amount {
			return nil, Reject("treasury %d is below %d", f.Treasury, amount)
		}
		f.Treasury -= amount
		return []string{"treasury"}, nil
	})
}
