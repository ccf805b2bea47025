package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/defense"
	"github.com/khanghh/kguard/internal/threat"
	"github.com/spf13/cast"
)

const (
	defaultThreatLimit = 100
	maxThreatLimit     = 1000
)

type SecurityHandler struct {
	guard SecurityGuard
}

func (h *SecurityHandler) PostBlacklist(ctx *fiber.Ctx) error {
	var req blacklistRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	entry, err := h.guard.BlacklistIP(ctx.Context(), req.IP, req.Reason, ttl, req.Notes)
	if err != nil {
		return err
	}
	return ctx.Status(fiber.StatusCreated).JSON(NewDataResponse(entry))
}

func (h *SecurityHandler) DeleteBlacklist(ctx *fiber.Ctx) error {
	if err := h.guard.UnlistIP(ctx.Context(), ctx.Params("ip")); err != nil {
		return err
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

func (h *SecurityHandler) GetBlacklistEntry(ctx *fiber.Ctx) error {
	ip := ctx.Params("ip")
	blacklisted, entry, err := h.guard.CheckIP(ctx.Context(), ip)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(ipStatusResponse{IP: ip, Blacklisted: blacklisted, Entry: entry}))
}

func (h *SecurityHandler) GetBlacklist(ctx *fiber.Ctx) error {
	activeOnly, err := cast.ToBoolE(ctx.Query("active_only", "true"))
	if err != nil {
		return fmt.Errorf("%w: active_only must be a boolean", common.ErrInvalidInput)
	}
	entries, err := h.guard.ListBlacklist(ctx.Context(), activeOnly)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(entries))
}

func (h *SecurityHandler) PostLoginAttempt(ctx *fiber.Ctx) error {
	var req loginAttemptRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	verdict, err := h.guard.RecordLoginAttempt(ctx.Context(), defense.LoginAttempt{
		UserID:    req.UserID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Success:   req.Success,
		Location:  req.Location,
	})
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(verdict))
}

func parseThreatFilter(ctx *fiber.Ctx) (threat.Filter, int, error) {
	filter := threat.Filter{
		Type:   ctx.Query("type"),
		Level:  threat.Level(ctx.Query("level")),
		IP:     ctx.Query("ip"),
		UserID: ctx.Query("user_id"),
	}
	if since := ctx.Query("since"); since != "" {
		t, err := cast.ToTimeE(since)
		if err != nil {
			return filter, 0, fmt.Errorf("%w: since must be a timestamp", common.ErrInvalidInput)
		}
		filter.Since = t
	}
	limit, err := cast.ToIntE(ctx.Query("limit", "0"))
	if err != nil || limit < 0 {
		return filter, 0, fmt.Errorf("%w: limit must be a positive integer", common.ErrInvalidInput)
	}
	if limit == 0 {
		limit = defaultThreatLimit
	}
	return filter, min(limit, maxThreatLimit), nil
}

func (h *SecurityHandler) GetThreats(ctx *fiber.Ctx) error {
	filter, limit, err := parseThreatFilter(ctx)
	if err != nil {
		return err
	}
	events := h.guard.QueryThreats(ctx.Context(), filter, limit)
	if events == nil {
		events = []threat.Event{}
	}
	return ctx.JSON(NewDataResponse(events))
}

func (h *SecurityHandler) GetStats(ctx *fiber.Ctx) error {
	return ctx.JSON(NewDataResponse(h.guard.Stats()))
}

// PostCheck reports the verdict for a request made elsewhere. A denied
// decision is still a successful check.
func (h *SecurityHandler) PostCheck(ctx *fiber.Ctx) error {
	var req checkRequest
	if err := bindAndValidate(ctx, &req); err != nil {
		return err
	}
	decision, err := h.guard.CheckRequest(ctx.Context(), req.IP, req.Endpoint, req.UserID)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(decision))
}

func NewSecurityHandler(guard SecurityGuard) *SecurityHandler {
	return &SecurityHandler{
		guard: guard,
	}
}
