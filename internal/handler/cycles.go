package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"tradepipeline/internal/models"
	"tradepipeline/internal/orchestrator"
	"tradepipeline/internal/repository"
)

const streamWriteTimeout = 5 * time.Second

type CycleHandler struct {
	Repo   repository.Repository
	Stream *orchestrator.Broadcaster
	Logger *zap.Logger
	// OriginPatterns are passed to websocket.Accept; empty allows same-origin only.
	OriginPatterns []string
}

func (h *CycleHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/cycles")
	g.GET("", h.list)
	g.GET("/latest", h.latest)
	g.GET("/stream", h.stream)
	g.GET("/:id", h.get)
}

// @Summary List cycle traces
// @Tags cycles
// @Param symbol query string false "symbol"
// @Param outcome query string false "outcome"
// @Param since query string false "RFC3339 time or duration such as 24h"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param asc query bool false "oldest first"
// @Success 200 {object} apiResponse
// @Router /api/v1/cycles [get]
func (h *CycleHandler) list(c *gin.Context) {
	if h.Repo == nil {
		unavailable(c, "repo")
		return
	}
	limit, offset := limitQuery(c), offsetQuery(c)
	var outcome *string
	if v := strQueryPtr(c, "outcome"); v != nil {
		up := strings.ToUpper(*v)
		outcome = &up
	}
	items, err := h.Repo.ListCycleTraces(c.Request.Context(), repository.ListCycleTracesParams{
		Limit:   limit,
		Offset:  offset,
		Symbol:  strQueryPtr(c, "symbol"),
		Outcome: outcome,
		Since:   timeQueryPtr(c, "since"),
		Asc:     boolQueryPtr(c, "asc"),
	})
	if err != nil {
		storeFailed(c, err)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, len(items)))
}

// @Summary Latest cycle trace
// @Tags cycles
// @Param symbol query string false "symbol"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/cycles/latest [get]
func (h *CycleHandler) latest(c *gin.Context) {
	if h.Repo == nil {
		unavailable(c, "repo")
		return
	}
	rec, err := h.Repo.LatestCycleTrace(c.Request.Context(), strings.TrimSpace(c.Query("symbol")))
	if err != nil {
		storeFailed(c, err)
		return
	}
	if rec == nil {
		Error(c, http.StatusNotFound, "no cycles recorded", nil)
		return
	}
	h.writeTrace(c, *rec)
}

// @Summary Get one cycle trace
// @Tags cycles
// @Param id path string true "cycle id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/v1/cycles/{id} [get]
func (h *CycleHandler) get(c *gin.Context) {
	if h.Repo == nil {
		unavailable(c, "repo")
		return
	}
	rec, err := h.Repo.GetCycleTrace(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeFailed(c, err)
		return
	}
	if rec == nil {
		Error(c, http.StatusNotFound, "cycle not found", nil)
		return
	}
	h.writeTrace(c, *rec)
}

func (h *CycleHandler) writeTrace(c *gin.Context, rec models.CycleTraceRecord) {
	trace, err := repository.DecodeTrace(rec)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, trace, nil)
}

// @Summary Stream finished cycle traces
// @Description Websocket. Each message is one JSON cycle trace.
// @Tags cycles
// @Param symbol query string false "only this symbol"
// @Router /api/v1/cycles/stream [get]
func (h *CycleHandler) stream(c *gin.Context) {
	if h.Stream == nil {
		Error(c, http.StatusServiceUnavailable, "stream unavailable", nil)
		return
	}
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		logger.Debug("stream accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	symbol := strings.TrimSpace(c.Query("symbol"))
	traces, cancel := h.Stream.Subscribe()
	defer cancel()

	// Clients only listen; CloseRead handles their close frames and pings.
	ctx := conn.CloseRead(c.Request.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case t, ok := <-traces:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if symbol != "" && !strings.EqualFold(t.Symbol, symbol) {
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, t)
			wcancel()
			if err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
		}
	}
}
