package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"tradepipeline/internal/repository"
)

type OrderHandler struct {
	Repo repository.Repository
}

func (h *OrderHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/orders", h.list)
}

// @Summary List the order ledger
// @Tags orders
// @Param symbol query string false "symbol"
// @Param status query string false "FILLED, PARTIAL, ACCEPTED, REJECTED or FAULT"
// @Param strategy query string false "strategy name"
// @Param since query string false "RFC3339 time or duration such as 24h"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /api/v1/orders [get]
func (h *OrderHandler) list(c *gin.Context) {
	if h.Repo == nil {
		unavailable(c, "repo")
		return
	}
	limit, offset := limitQuery(c), offsetQuery(c)
	var status *string
	if v := strQueryPtr(c, "status"); v != nil {
		up := strings.ToUpper(*v)
		status = &up
	}
	items, err := h.Repo.ListOrders(c.Request.Context(), repository.ListOrdersParams{
		Limit:        limit,
		Offset:       offset,
		Symbol:       strQueryPtr(c, "symbol"),
		Status:       status,
		StrategyName: strQueryPtr(c, "strategy"),
		Since:        timeQueryPtr(c, "since"),
		Asc:          boolQueryPtr(c, "asc"),
	})
	if err != nil {
		storeFailed(c, err)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, len(items)))
}
