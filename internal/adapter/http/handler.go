package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"warfront/internal/app/battle"
	"warfront/internal/app/command"
	"warfront/internal/app/entitycache"
	"warfront/internal/app/ports"
	"warfront/internal/app/readcache"
	domain "warfront/internal/domain/battle"
	"warfront/internal/domain/entity"
)

type Handler struct {
	Commands command.Submitter
	Results  ports.CommandResultStore
	Entities entitycache.Cache
	// Reads, when set, serves entity reads from a shared invalidation-driven cache.
	Reads   *readcache.Cache
	Battles *battle.Engine
	KPI     kpiSnapshotProvider
	Metrics http.Handler
	// AllowOrigin is the CORS origin; empty allows any.
	AllowOrigin string
}

func (h Handler) RegisterRoutes(s *server.Hertz) {
	s.Use(corsMiddleware(h.AllowOrigin))

	api := s.Group("/api", readCacheMiddleware(h.Reads))
	api.POST("/commands", h.submitCommand)
	api.GET("/commands/:id", h.commandResult)
	api.GET("/entities/:type/:id", h.getEntity)

	api.POST("/battles", h.startBattle)
	api.GET("/battles/:id", h.getBattle)
	api.POST("/battles/:id/intents", h.issueIntent)
	api.POST("/battles/:id/advance", h.advanceBattle)
	api.POST("/battles/:id/cancel", h.cancelBattle)

	s.GET("/ops/kpi", h.kpi)
	if h.Metrics != nil {
		s.GET("/metrics", adaptor.HertzHandler(h.Metrics))
	}
}

type submitResponse struct {
	CommandID string `json:"commandId"`
	StreamID  string `json:"streamId"`
}

func (h Handler) submitCommand(c context.Context, ctx *app.RequestContext) {
	var body command.Command
	if err := decodeJSON(ctx, &body); err != nil {
		writeErrorBody(ctx, consts.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	streamID, err := h.Commands.Submit(c, body)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusAccepted, submitResponse{CommandID: strings.TrimSpace(body.ID), StreamID: streamID})
}

func (h Handler) commandResult(c context.Context, ctx *app.RequestContext) {
	if h.Results == nil {
		writeErrorBody(ctx, consts.StatusNotFound, "not_configured", "command results not configured")
		return
	}
	id := strings.TrimSpace(ctx.Param("id"))
	res, ok, err := h.Results.LoadResult(c, id)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if !ok {
		writeErrorBody(ctx, consts.StatusNotFound, "result_pending", "no result recorded for command "+id)
		return
	}
	ctx.JSON(consts.StatusOK, res)
}

type entityResponse struct {
	Type   entity.Type    `json:"type"`
	Meta   entity.Meta    `json:"meta"`
	Fields map[string]any `json:"fields"`
}

func (h Handler) getEntity(c context.Context, ctx *app.RequestContext) {
	t, err := entity.ParseType(ctx.Param("type"))
	if err != nil {
		writeErrorBody(ctx, consts.StatusBadRequest, "unknown_entity_type", err.Error())
		return
	}
	id := strings.TrimSpace(ctx.Param("id"))

	var (
		e  entity.Entity
		ok bool
	)
	if rc, cached := readcache.FromContext(c); cached {
		e, ok, err = rc.Get(c, t, id)
	} else {
		e, ok, err = h.Entities.Get(c, t, id)
	}
	if err != nil {
		writeError(ctx, err)
		return
	}
	if !ok {
		writeError(ctx, ports.ErrNotFound)
		return
	}
	ctx.JSON(consts.StatusOK, entityResponse{Type: t, Meta: *e.Base(), Fields: e.Fields()})
}

func (h Handler) startBattle(c context.Context, ctx *app.RequestContext) {
	var body battle.StartRequest
	if err := decodeJSON(ctx, &body); err != nil {
		writeErrorBody(ctx, consts.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	snap, err := h.Battles.Start(c, body)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, snap)
}

func (h Handler) getBattle(c context.Context, ctx *app.RequestContext) {
	snap, err := h.Battles.Get(c, ctx.Param("id"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, snap)
}

func (h Handler) issueIntent(c context.Context, ctx *app.RequestContext) {
	var body battle.IntentRequest
	if err := decodeJSON(ctx, &body); err != nil {
		writeErrorBody(ctx, consts.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	in, err := h.Battles.IssueIntent(c, ctx.Param("id"), body)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusAccepted, in)
}

func (h Handler) advanceBattle(c context.Context, ctx *app.RequestContext) {
	snap, err := h.Battles.Advance(c, ctx.Param("id"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, snap)
}

func (h Handler) cancelBattle(c context.Context, ctx *app.RequestContext) {
	snap, err := h.Battles.Cancel(c, ctx.Param("id"))
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, snap)
}

type kpiSnapshotProvider interface {
	SnapshotAny() any
}

func (h Handler) kpi(_ context.Context, ctx *app.RequestContext) {
	if h.KPI == nil {
		writeErrorBody(ctx, consts.StatusNotFound, "not_configured", "kpi provider not configured")
		return
	}
	ctx.JSON(consts.StatusOK, h.KPI.SnapshotAny())
}

// readCacheMiddleware carries the shared read cache on the request context.
func readCacheMiddleware(rc *readcache.Cache) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		if rc != nil {
			c = readcache.WithCache(c, rc)
		}
		ctx.Next(c)
	}
}

func decodeJSON(ctx *app.RequestContext, out any) error {
	body := ctx.Request.Body()
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func writeError(ctx *app.RequestContext, err error) {
	switch {
	case errors.Is(err, command.ErrThrottled):
		writeErrorBody(ctx, consts.StatusTooManyRequests, "throttled", err.Error())
	case errors.Is(err, command.ErrUnknownCommand):
		writeErrorBody(ctx, consts.StatusBadRequest, "unknown_command", err.Error())
	case errors.Is(err, command.ErrInvalidCommand):
		writeErrorBody(ctx, consts.StatusBadRequest, "invalid_command", err.Error())
	case errors.Is(err, battle.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidMode):
		writeErrorBody(ctx, consts.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrInvalidIntent),
		errors.Is(err, domain.ErrUnknownUnit):
		writeErrorBody(ctx, consts.StatusBadRequest, "invalid_intent", err.Error())
	case errors.Is(err, entity.ErrUnknownType):
		writeErrorBody(ctx, consts.StatusBadRequest, "unknown_entity_type", err.Error())
	case errors.Is(err, ports.ErrNotFound):
		writeErrorBody(ctx, consts.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ports.ErrInsufficientResource):
		writeErrorBody(ctx, consts.StatusUnprocessableEntity, "insufficient_resource", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeErrorBody(ctx, consts.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, ports.ErrBusy):
		writeErrorBody(ctx, consts.StatusConflict, "battle_busy", err.Error())
	case errors.Is(err, ports.ErrConflict),
		errors.Is(err, ports.ErrNotReserved),
		errors.Is(err, ports.ErrAlreadyFinalized):
		writeErrorBody(ctx, consts.StatusConflict, "conflict", err.Error())
	default:
		writeErrorBody(ctx, consts.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeErrorBody(ctx *app.RequestContext, status int, code, message string) {
	ctx.JSON(status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
