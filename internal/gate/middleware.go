package gate

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/allisson/gatekeeper/internal/authz"
	apperrors "github.com/allisson/gatekeeper/internal/errors"
	"github.com/allisson/gatekeeper/internal/httputil"
	"github.com/allisson/gatekeeper/internal/request"
)

// CRUDMiddleware guards a generated CRUD endpoint for one resource. On
// admission the request context is attached for the handler; on denial the
// request is answered and aborted here.
func (g *Gate) CRUDMiddleware(resource string) gin.HandlerFunc {
	return g.middleware(request.OriginCRUD, resource, "")
}

// CommandMiddleware guards a registered command endpoint.
func (g *Gate) CommandMiddleware(command string) gin.HandlerFunc {
	return g.middleware(request.OriginCommand, "", command)
}

func (g *Gate) middleware(origin request.Origin, resource, command string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := &RawRequest{
			Method:   c.Request.Method,
			Path:     c.Request.URL.Path,
			IP:       c.ClientIP(),
			Token:    bearerToken(c.GetHeader("Authorization")),
			Origin:   origin,
			Resource: resource,
			Command:  command,
			MockRole: c.Query("mockRole"),
			Options:  queryOptions(c),
		}
		if fields := c.Query("fields"); fields != "" {
			raw.Fields = strings.Split(fields, ",")
		}

		_, hasLimit := raw.Options["limit"]
		_, hasOffset := raw.Options["offset"]
		if hasLimit || hasOffset {
			if _, _, err := httputil.ParsePagination(c); err != nil {
				httputil.HandleErrorGin(c, apperrors.BadRequest(err.Error()), g.logger)
				c.Abort()
				return
			}
		}

		policy, err := g.Policy(raw)
		if err != nil {
			httputil.HandleErrorGin(c, err, g.logger)
			c.Abort()
			return
		}

		if err := readBody(c, policy, raw); err != nil {
			httputil.HandleErrorGin(c, err, g.logger)
			c.Abort()
			return
		}

		reqCtx, err := g.AdmitAndAuthorize(c.Request.Context(), raw)
		if err != nil {
			httputil.HandleErrorGin(c, err, g.logger)
			c.Abort()
			return
		}

		g.logger.Debug("request admitted",
			slog.String("resource", reqCtx.Resource),
			slog.String("action", reqCtx.CheckedAction()),
			slog.String("role", reqCtx.Role),
		)

		c.Request = c.Request.WithContext(request.WithContext(c.Request.Context(), reqCtx))
		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header, returning ""
// for guests or non-bearer schemes.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// queryOptions flattens the query string into the option map checked by the
// rule engine. Only the first value of repeated keys is considered.
func queryOptions(c *gin.Context) map[string]string {
	values := c.Request.URL.Query()
	if len(values) == 0 {
		return nil
	}
	options := make(map[string]string, len(values))
	for key, vals := range values {
		if len(vals) > 0 {
			options[key] = vals[0]
		}
	}
	return options
}

// readBody decodes a JSON body into the raw request, detecting batch
// submissions. The body bytes are restored so the handler can decode them
// again after admission.
func readBody(c *gin.Context, policy *authz.SecurityPolicy, raw *RawRequest) error {
	if !request.StateChanging(c.Request.Method) || c.Request.Body == nil {
		return nil
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return apperrors.BadRequest("unreadable request body")
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(data))

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}

	// A top-level array is a batch submission.
	if trimmed[0] == '[' {
		var items []map[string]any
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return apperrors.BadRequest("malformed json body")
		}
		raw.BatchItems = len(items)
		raw.Fields = unionKeys(items)
		return nil
	}

	var body map[string]any
	if err := json.Unmarshal(trimmed, &body); err != nil {
		return apperrors.BadRequest("malformed json body")
	}

	// A policy may nest batch items under a named field instead.
	if policy.BatchField != "" {
		if nested, ok := body[policy.BatchField].([]any); ok {
			items := make([]map[string]any, 0, len(nested))
			for _, item := range nested {
				if m, ok := item.(map[string]any); ok {
					items = append(items, m)
				}
			}
			raw.BatchItems = len(nested)
			raw.Fields = unionKeys(items)
			return nil
		}
	}

	raw.Body = body
	return nil
}

// unionKeys collects the distinct field names across batch items, sorted for
// deterministic checks.
func unionKeys(items []map[string]any) []string {
	seen := map[string]bool{}
	for _, item := range items {
		for key := range item {
			seen[key] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
