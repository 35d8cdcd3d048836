package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tradepipeline/internal/breaker"
	"tradepipeline/internal/repository"
)

type BreakerHandler struct {
	Breakers *breaker.Registry
	Repo     repository.Repository
	// ResumeTrading, when set, handles resets of the trading_halted breaker so the
	// orchestrator can clear its failure streak as well.
	ResumeTrading func(reason string)
	Logger        *zap.Logger
}

func (h *BreakerHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/breakers")
	g.GET("", h.list)
	g.GET("/events", h.events)
	g.POST("/:name/reset", h.reset)
}

// @Summary List circuit breakers
// @Tags breakers
// @Success 200 {object} apiResponse
// @Router /api/v1/breakers [get]
func (h *BreakerHandler) list(c *gin.Context) {
	if h.Breakers == nil {
		unavailable(c, "breakers")
		return
	}
	Ok(c, h.Breakers.Snapshot(), nil)
}

// @Summary List breaker transitions
// @Tags breakers
// @Param breaker query string false "breaker name"
// @Param since query string false "RFC3339 time or duration such as 24h"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /api/v1/breakers/events [get]
func (h *BreakerHandler) events(c *gin.Context) {
	if h.Repo == nil {
		unavailable(c, "repo")
		return
	}
	limit, offset := limitQuery(c), offsetQuery(c)
	items, err := h.Repo.ListBreakerEvents(c.Request.Context(), repository.ListBreakerEventsParams{
		Limit:   limit,
		Offset:  offset,
		Breaker: strQueryPtr(c, "breaker"),
		Since:   timeQueryPtr(c, "since"),
	})
	if err != nil {
		storeFailed(c, err)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, len(items)))
}

type resetRequest struct {
	Reason string `json:"reason"`
}

// @Summary Reset a circuit breaker
// @Description Closes the breaker and clears its history. Resetting trading_halted resumes trading.
// @Tags breakers
// @Param name path string true "breaker name"
// @Param body body resetRequest false "reason"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/breakers/{name}/reset [post]
func (h *BreakerHandler) reset(c *gin.Context) {
	if h.Breakers == nil {
		unavailable(c, "breakers")
		return
	}
	name := strings.TrimSpace(c.Param("name"))
	var req resetRequest
	_ = c.ShouldBindJSON(&req)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual reset"
	}

	if name == breaker.TradingHalted && h.ResumeTrading != nil {
		h.ResumeTrading(reason)
	} else if err := h.Breakers.Reset(name, reason); err != nil {
		if errors.Is(err, breaker.ErrUnknownBreaker) {
			Error(c, http.StatusNotFound, err.Error(), nil)
			return
		}
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("breaker reset via api", zap.String("breaker", name), zap.String("reason", reason))
	}
	b, ok := h.Breakers.Lookup(name)
	if !ok {
		Ok(c, gin.H{"name": name}, nil)
		return
	}
	Ok(c, b.State(), nil)
}
