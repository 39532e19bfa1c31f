package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

func recordsPath(collection string, rest ...string) string {
	p := "/api/v1/records/" + url.PathEscape(collection)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// Select implements port.RecordStore.
func (c *Client) Select(ctx context.Context, q port.Query) ([]domain.Record, error) {
	var rows []domain.Record
	if err := c.call(ctx, http.MethodPost, recordsPath(q.Collection, "query"), q, &rows); err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Collection, err)
	}
	return rows, nil
}

// Get implements port.RecordStore.
func (c *Client) Get(ctx context.Context, collection, id string) (domain.Record, error) {
	var rec domain.Record
	if err := c.call(ctx, http.MethodGet, recordsPath(collection, id), nil, &rec); err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

// Insert implements port.RecordStore.
func (c *Client) Insert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	var out domain.Record
	if err := c.call(ctx, http.MethodPost, recordsPath(collection), rec, &out); err != nil {
		return nil, fmt.Errorf("insert %s: %w", collection, err)
	}
	return out, nil
}

// Update implements port.RecordStore.
func (c *Client) Update(ctx context.Context, collection, id string, patch domain.Record) (domain.Record, error) {
	var out domain.Record
	if err := c.call(ctx, http.MethodPatch, recordsPath(collection, id), patch, &out); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return out, nil
}

// Upsert implements port.RecordStore.
func (c *Client) Upsert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	var out domain.Record
	if err := c.call(ctx, http.MethodPut, recordsPath(collection), rec, &out); err != nil {
		return nil, fmt.Errorf("upsert %s: %w", collection, err)
	}
	return out, nil
}

// Delete implements port.RecordStore.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	if err := c.call(ctx, http.MethodDelete, recordsPath(collection, id), nil, nil); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Call implements port.RecordStore.
func (c *Client) Call(ctx context.Context, name string, args domain.Record) error {
	var in any
	if args != nil {
		in = args
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/rpc/"+url.PathEscape(name), in, nil); err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}
	return nil
}
