package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/datafabrix/fabric/internal/registry"
)

const httpResponseLimit = 8 << 20 // 8 MiB

type httpAPIDriver struct {
	client *http.Client
}

// NewHTTPAPIDriver returns the driver for HTTP API sources. The source is
// expected to expose GET /entities (entity listing with fields and counts)
// and GET /entities/{name} (rows as a JSON array of objects).
func NewHTTPAPIDriver() Driver {
	return &httpAPIDriver{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (*httpAPIDriver) Kind() registry.Kind {
	return registry.KindHTTPAPI
}

func (d *httpAPIDriver) Open(_ context.Context, desc registry.Descriptor) (Conn, error) {
	base, err := url.Parse(strings.TrimSuffix(desc.Address, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address: %v", ErrConnectionFailed, err)
	}

	var bearer string
	if desc.CredentialsRef != "" {
		token, err := ResolveCredential(desc.CredentialsRef)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
		}
		bearer = token
	}

	return &httpAPIConn{client: d.client, base: base, bearer: bearer}, nil
}

type httpAPIConn struct {
	client *http.Client
	base   *url.URL
	bearer string
}

func (c *httpAPIConn) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d", ErrAuthRejected, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrConnectionFailed, resp.StatusCode, u.Path)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, httpResponseLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return body, nil
}

func (c *httpAPIConn) Ping(ctx context.Context) error {
	if _, err := c.get(ctx, "/health", nil); err == nil {
		return nil
	}
	// Sources without a health endpoint still count as alive if the
	// entity listing answers.
	_, err := c.get(ctx, "/entities", nil)
	return err
}

func (c *httpAPIConn) Introspect(ctx context.Context, limit int) ([]Entity, error) {
	body, err := c.get(ctx, "/entities", nil)
	if err != nil {
		return nil, err
	}

	var entities []Entity
	if err := json.Unmarshal(body, &entities); err != nil {
		return nil, fmt.Errorf("failed to parse entity listing: %w", err)
	}
	if len(entities) > limit {
		entities = entities[:limit]
	}
	return entities, nil
}

func (c *httpAPIConn) Query(ctx context.Context, q Query) ([]Row, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultRowLimit
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if len(q.Fields) > 0 {
		query.Set("fields", strings.Join(q.Fields, ","))
	}

	body, err := c.get(ctx, "/entities/"+url.PathEscape(q.Entity), query)
	if err != nil {
		return nil, err
	}

	var rows []Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse rows: %w", err)
	}
	for i := range rows {
		rows[i] = projectRow(rows[i], q.Fields)
	}
	return rows, nil
}

func (*httpAPIConn) Close() error {
	return nil
}
