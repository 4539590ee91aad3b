package httputil

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
)

// List window bounds for the offset and limit meta options. The gate lets
// every role send these, so they are validated here rather than by the rule
// engine.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// ParsePagination parses and validates the offset and limit query options.
func ParsePagination(c *gin.Context) (offset, limit int, err error) {
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		return 0, 0, fmt.Errorf("offset must be a non-negative integer")
	}

	limit, err = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(DefaultListLimit)))
	if err != nil || limit < 1 || limit > MaxListLimit {
		return 0, 0, fmt.Errorf("limit must be between 1 and %d", MaxListLimit)
	}

	return offset, limit, nil
}
