package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// apiResponse is the envelope of every JSON answer. Code is 0 on success and the
// HTTP status otherwise.
type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{Message: "ok", Data: data, Meta: meta})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.AbortWithStatusJSON(status, apiResponse{Code: status, Message: message, Meta: meta})
}

// unavailable answers for a collaborator the router was built without.
func unavailable(c *gin.Context, what string) {
	Error(c, http.StatusInternalServerError, what+" unavailable", nil)
}

// storeFailed answers for a failed read against the trace or order store.
func storeFailed(c *gin.Context, err error) {
	Error(c, http.StatusBadGateway, err.Error(), map[string]any{"source": "store"})
}
