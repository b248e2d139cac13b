package reservation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"warfront/internal/app/entitycache"
	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

var ErrInvalidRequest = errors.New("invalid reservation request")

// Protocol allocates commander troops to battles. Both operations are single
// atomic store steps and are idempotent per battle id.
type Protocol struct {
	Store ports.Reservations
	// Cache is used only to announce the committed change to read caches.
	Cache entitycache.Cache
	Log   zerolog.Logger
	Now   func() time.Time
}

func (p Protocol) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func commanderKey(id string) ports.ReservationKey {
	return ports.ReservationKey{Type: entity.TypeCommander, ID: id}
}

func (p Protocol) Reserve(ctx context.Context, commanderID, battleID string, amount int64) (ports.ReservationState, error) {
	commanderID = strings.TrimSpace(commanderID)
	battleID = strings.TrimSpace(battleID)
	if commanderID == "" || battleID == "" || amount <= 0 {
		return ports.ReservationState{}, ErrInvalidRequest
	}
	state, err := p.Store.Reserve(ctx, commanderKey(commanderID), battleID, amount, p.now())
	if err != nil {
		p.Log.Debug().Err(err).Str("commander", commanderID).Str("battle", battleID).Int64("amount", amount).Msg("reserve refused")
		return state, err
	}
	p.Cache.Notify(ctx, entity.TypeCommander, commanderID, state.Version)
	p.Log.Debug().Str("commander", commanderID).Str("battle", battleID).Int64("held", state.Held).Int64("reserved", state.Reserved).Msg("troops reserved")
	return state, nil
}

func (p Protocol) Finalize(ctx context.Context, commanderID, battleID string, casualties int64) (ports.ReservationState, error) {
	commanderID = strings.TrimSpace(commanderID)
	battleID = strings.TrimSpace(battleID)
	if commanderID == "" || battleID == "" || casualties < 0 {
		return ports.ReservationState{}, ErrInvalidRequest
	}
	state, err := p.Store.Finalize(ctx, commanderKey(commanderID), battleID, casualties, p.now())
	if err != nil {
		if errors.Is(err, ports.ErrNotReserved) {
			p.Log.Error().Str("commander", commanderID).Str("battle", battleID).Msg("finalize without matching reserve")
		}
		return state, err
	}
	p.Cache.Notify(ctx, entity.TypeCommander, commanderID, state.Version)
	p.Log.Debug().Str("commander", commanderID).Str("battle", battleID).Int64("casualties", casualties).Int64("troops", state.Troops).Msg("reservation finalized")
	return state, nil
}

// Release returns a reservation untouched, used when a battle never started.
func (p Protocol) Release(ctx context.Context, commanderID, battleID string) error {
	_, err := p.Finalize(ctx, commanderID, battleID, 0)
	if errors.Is(err, ports.ErrNotReserved) {
		return nil
	}
	return err
}
