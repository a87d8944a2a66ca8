//go:build unix

package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gurisko/scopectl/internal/assign"
	"github.com/gurisko/scopectl/internal/changes"
	"github.com/gurisko/scopectl/internal/limits"
	"github.com/gurisko/scopectl/internal/parser"
	"github.com/gurisko/scopectl/internal/resource"
)

// ListOptions filters a batch listing
type ListOptions struct {
	Scope   resource.Scope
	Type    resource.Type
	Refresh bool
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.Scope != "" {
		q.Set("scope", string(o.Scope))
	}
	if o.Type != "" {
		q.Set("type", string(o.Type))
	}
	if o.Refresh {
		q.Set("refresh", "1")
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListResources fetches the deduplicated batch scan
func (c *Client) ListResources(ctx context.Context, opts ListOptions) ([]resource.Resource, error) {
	var out []resource.Resource
	if err := c.getJSON(ctx, "/api/resources"+opts.query(), &out, limits.Batch); err != nil {
		return nil, err
	}
	return out, nil
}

// FindResource returns the resource with id from a batch scan
func (c *Client) FindResource(ctx context.Context, id string, refresh bool) (resource.Resource, error) {
	all, err := c.ListResources(ctx, ListOptions{Refresh: refresh})
	if err != nil {
		return resource.Resource{}, err
	}
	for _, r := range all {
		if r.ID == id {
			return r, nil
		}
	}
	return resource.Resource{}, fmt.Errorf("%w: %s", assign.ErrResourceNotFound, id)
}

// Assign runs an assignment. A failed assignment is reported through the
// returned Result, not the error; the error is for transport problems.
func (c *Client) Assign(ctx context.Context, req assign.Request) (assign.Result, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/assign", req)
	if err != nil {
		return assign.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limits.JSON))
	if err != nil {
		return assign.Result{}, err
	}
	var res assign.Result
	if jerr := json.Unmarshal(body, &res); jerr != nil || (resp.StatusCode/100 != 2 && res.Code == "") {
		var m struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &m)
		return assign.Result{}, &APIError{StatusCode: resp.StatusCode, Body: body, Message: m.Error}
	}
	return res, nil
}

// History returns the change history of a resource, oldest first
func (c *Client) History(ctx context.Context, id string) ([]changes.Change, error) {
	var out struct {
		Changes []changes.Change `json:"changes"`
	}
	if err := c.getJSON(ctx, "/api/resources/history?id="+url.QueryEscape(id), &out, limits.Batch); err != nil {
		return nil, err
	}
	return out.Changes, nil
}

// Revert restores a resource to its state before changeID and returns the
// restore entry
func (c *Client) Revert(ctx context.Context, resourceID, changeID string) (changes.Change, error) {
	var out struct {
		Reverted bool           `json:"reverted"`
		Change   changes.Change `json:"change"`
	}
	in := map[string]string{"resourceId": resourceID, "changeId": changeID}
	if err := c.PostJSON(ctx, "/api/resources/revert", in, &out); err != nil {
		return changes.Change{}, err
	}
	if !out.Reverted {
		return changes.Change{}, errors.New("daemon did not revert the change")
	}
	return out.Change, nil
}

// Validate checks one file; path must be absolute
func (c *Client) Validate(ctx context.Context, path string) (parser.Report, error) {
	var rep parser.Report
	err := c.PostJSON(ctx, "/api/validate", map[string]string{"path": path}, &rep)
	return rep, err
}

// ClearCache drops every cached scan in the daemon
func (c *Client) ClearCache(ctx context.Context) error {
	return c.Delete(ctx, "/api/cache")
}
