package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

func intQuery(c *gin.Context, key string, def int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func limitQuery(c *gin.Context) int {
	limit := intQuery(c, "limit", defaultLimit)
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func offsetQuery(c *gin.Context) int {
	offset := intQuery(c, "offset", 0)
	if offset < 0 {
		return 0
	}
	return offset
}

func boolQueryPtr(c *gin.Context, key string) *bool {
	if val := c.Query(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return &b
		}
	}
	return nil
}

func strQueryPtr(c *gin.Context, key string) *string {
	if val := strings.TrimSpace(c.Query(key)); val != "" {
		return &val
	}
	return nil
}

// timeQueryPtr accepts RFC3339 or a duration such as "24h" meaning that long ago.
func timeQueryPtr(c *gin.Context, key string) *time.Time {
	val := strings.TrimSpace(c.Query(key))
	if val == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339, val); err == nil {
		return &ts
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		ts := time.Now().UTC().Add(-d)
		return &ts
	}
	return nil
}

func paginationMeta(limit, offset, count int) map[string]any {
	return map[string]any{
		"limit":    limit,
		"offset":   offset,
		"count":    count,
		"has_next": count == limit,
	}
}
