package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const operatorDocs = `# Trade Pipeline

Per-symbol decision cycles: market snapshot, strategy proposal, backtest, selection,
risk gate and order execution, each cycle recorded as one trace.

## Auth

When server.api_token is set, /api/*, /swagger and /docs need
"Authorization: Bearer <token>". The websocket stream also accepts ?access_token=.
Health and metrics endpoints are public.

## Routes

- GET /healthz
- GET /readyz
- GET /metrics
- GET /swagger/index.html
- GET /api/v1/cycles
- GET /api/v1/cycles/latest?symbol=
- GET /api/v1/cycles/{id}
- GET /api/v1/cycles/stream (websocket)
- GET /api/v1/orders
- GET /api/v1/breakers
- GET /api/v1/breakers/events
- POST /api/v1/breakers/{name}/reset
`

func RegisterDocs(r *gin.Engine) {
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.String(http.StatusOK, operatorDocs)
	})
}
