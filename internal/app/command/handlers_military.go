package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"warfront/internal/app/entitycache"
	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

const (
	CommissionCost    int64 = 100
	RecruitCostPerMan int64 = 2
)

type commissionPayload struct {
	CommanderID  string  `json:"commanderId"`
	Name         string  `json:"name"`
	SettlementID string  `json:"settlementId"`
	Attack       float64 `json:"attack"`
	Defense      float64 `json:"defense"`
	Speed        float64 `json:"speed"`
}

func commission(ctx context.Context, hc *Context) (Result, error) {
	var p commissionPayload
	if err := hc.Command.Decode(&p); err != nil {
		return Result{}, err
	}
	p.CommanderID = strings.TrimSpace(p.CommanderID)
	if p.CommanderID == "" {
		return Result{}, Reject("commanderId is required")
	}
	if p.Attack < 0 || p.Defense < 0 || p.Speed < 0 {
		return Result{}, Reject("stats must not be negative")
	}
	if hc.Applied("rollback") {
		return Result{}, Reject("commission of %s was rolled back", p.CommanderID)
	}
	err := hc.Step(ctx, "create", func(ctx context.Context) error {
		settlement, err := entitycache.Settlement(ctx, hc.Cache, p.SettlementID)
		if err != nil {
			return err
		}
		if settlement.FactionID != hc.Command.ActorID {
			return Reject("settlement %s does not belong to %s", p.SettlementID, hc.Command.ActorID)
		}
		faction, err := entitycache.Faction(ctx, hc.Cache, hc.Command.ActorID)
		if err != nil {
			return err
		}
		if faction.Treasury < CommissionCost {
			return Reject("treasury %d is below %d", faction.Treasury, CommissionCost)
		}
		c := &entity.Commander{
			Meta:         entity.Meta{ID: p.CommanderID},
			Name:         p.Name,
			FactionID:    hc.Command.ActorID,
			SettlementID: settlement.ID,
			Attack:       orDefault(p.Attack, 10),
			Defense:      orDefault(p.Defense, 10),
			Speed:        orDefault(p.Speed, 1),
			Morale:       100,
			Status:       entity.CommanderActive,
			Position:     settlement.Position,
		}
		if err := hc.Cache.Create(ctx, c); err != nil {
			if errors.Is(err, ports.ErrConflict) {
				return Reject("commander %s already exists", p.CommanderID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	err = hc.Step(ctx, "debit", func(ctx context.Context) error {
		_, err := debitTreasury(ctx, hc, hc.Command.ActorID, CommissionCost)
		return err
	})
	if Classify(err) == ClassRejected {
		// The treasury was spent between the check and the debit.
		if rerr := hc.Step(ctx, "rollback", func(ctx context.Context) error {
			c, err := entitycache.Commander(ctx, hc.Cache, p.CommanderID)
			if errors.Is(err, ports.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			return hc.Cache.Delete(ctx, entity.TypeCommander, c.ID, c.Version)
		}); rerr != nil {
			return Result{}, rerr
		}
		return Result{}, err
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Summary: fmt.Sprintf("commissioned %s at %s", p.CommanderID, p.SettlementID)}, nil
}

type recruitPayload struct {
	CommanderID  string `json:"commanderId"`
	SettlementID string `json:"settlementId"`
	Count        int64  `json:"count"`
}

func recruit(ctx context.Context, hc *Context) (Result, error) {
	var p recruitPayload
	if err := hc.Command.Decode(&p); err != nil {
		return Result{}, err
	}
	if p.Count <= 0 {
		return Result{}, Reject("count must be positive")
	}
	if hc.Applied("refund") {
		return Result{}, Reject("recruitment into %s was refunded", p.CommanderID)
	}
	cost := p.Count * RecruitCostPerMan
	err := hc.Step(ctx, "debit", func(ctx context.Context) error {
		commander, err := entitycache.Commander(ctx, hc.Cache, p.CommanderID)
		if err != nil {
			return err
		}
		if commander.FactionID != hc.Command.ActorID {
			return Reject("commander %s does not belong to %s", p.CommanderID, hc.Command.ActorID)
		}
		if commander.Status == entity.CommanderDestroyed {
			return Reject("commander %s is destroyed", p.CommanderID)
		}
		settlement, err := entitycache.Settlement(ctx, hc.Cache, p.SettlementID)
		if err != nil {
			return err
		}
		if settlement.FactionID != hc.Command.ActorID {
			return Reject("settlement %s does not belong to %s", p.SettlementID, hc.Command.ActorID)
		}
		if settlement.Population < p.Count {
			return Reject("population %d is below %d", settlement.Population, p.Count)
		}
		_, err = debitTreasury(ctx, hc, hc.Command.ActorID, cost)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	err = hc.Step(ctx, "population", func(ctx context.Context) error {
		_, err := entitycache.Update(ctx, hc.Cache, entity.TypeSettlement, p.SettlementID, 0, func(s *entity.Settlement) ([]string, error) {
			if s.Population < p.Count {
				return nil, Reject("population %d is below %d", s.Population, p.Count)
			}
			s.Population -= p.Count
			return []string{"population"}, nil
		})
		return err
	})
	if Classify(err) == ClassRejected {
		if rerr := hc.Step(ctx, "refund", func(ctx context.Context) error {
			_, err := creditTreasury(ctx, hc, hc.Command.ActorID, cost)
			return err
		}); rerr != nil {
			return Result{}, rerr
		}
		return Result{}, err
	}
	if err != nil {
		return Result{}, err
	}
	err = hc.Step(ctx, "troops", func(ctx context.Context) error {
		_, err := entitycache.Update(ctx, hc.Cache, entity.TypeCommander, p.CommanderID, 0, func(c *entity.Commander) ([]string, error) {
			c.Troops += p.Count
			return []string{entity.FieldTroops}, nil
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Summary: fmt.Sprintf("recruited %d into %s", p.Count, p.CommanderID)}, nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
