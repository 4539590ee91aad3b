package httputil_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/allisson/gatekeeper/internal/httputil"
)

func TestParsePagination(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		url        string
		wantOffset int
		wantLimit  int
		wantErr    string
	}{
		{
			name:       "defaults",
			url:        "/",
			wantOffset: 0,
			wantLimit:  httputil.DefaultListLimit,
		},
		{
			name:       "explicit window",
			url:        "/?offset=10&limit=20",
			wantOffset: 10,
			wantLimit:  20,
		},
		{
			name:       "limit at the ceiling",
			url:        "/?limit=100",
			wantOffset: 0,
			wantLimit:  httputil.MaxListLimit,
		},
		{
			name:    "negative offset",
			url:     "/?offset=-1",
			wantErr: "offset must be a non-negative integer",
		},
		{
			name:    "non-numeric offset",
			url:     "/?offset=abc",
			wantErr: "offset must be a non-negative integer",
		},
		{
			name:    "zero limit",
			url:     "/?limit=0",
			wantErr: "limit must be between 1 and 100",
		},
		{
			name:    "limit over the ceiling",
			url:     "/?limit=101",
			wantErr: "limit must be between 1 and 100",
		},
		{
			name:    "non-numeric limit",
			url:     "/?limit=xyz",
			wantErr: "limit must be between 1 and 100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, tt.url, nil)

			offset, limit, err := httputil.ParsePagination(c)

			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				assert.Zero(t, offset)
				assert.Zero(t, limit)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantOffset, offset)
			assert.Equal(t, tt.wantLimit, limit)
		})
	}
}
