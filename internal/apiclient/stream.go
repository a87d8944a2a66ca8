//go:build unix

package apiclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gurisko/scopectl/internal/discovery"
	"github.com/gurisko/scopectl/internal/limits"
	"github.com/gurisko/scopectl/internal/resource"
)

// ErrScanFailed is returned when the daemon could not start a scan at all
var ErrScanFailed = errors.New("scan failed")

// StreamError is a transport failure of the discovery stream: it could not
// be opened, or it ended before scan_complete. Discover falls back to the
// batch endpoint on these.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return "discovery stream: " + e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

func (c *Client) streamBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = c.retryWindow
	return bo
}

// openStream connects to the stream endpoint, retrying while the daemon is
// unreachable (it may be restarting)
func (c *Client) openStream(ctx context.Context) (*http.Response, error) {
	var resp *http.Response
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/discover/stream", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/x-ndjson")
		r, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return c.wrapConnErr(err)
		}
		if r.StatusCode != http.StatusOK {
			defer r.Body.Close()
			return backoff.Permanent(decodeAPIError(r))
		}
		resp = r
		return nil
	}, backoff.WithContext(c.streamBackoff(), ctx))
	return resp, err
}

// Stream runs one scan on the daemon, calling onEvent for every event in
// order. It returns nil after scan_complete. An onEvent error stops the
// stream (disconnecting, which cancels the scan) and is returned as is.
func (c *Client) Stream(ctx context.Context, onEvent func(discovery.Event) error) error {
	resp, err := c.openStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StreamError{Err: err}
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), limits.StreamLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev discovery.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return &StreamError{Err: fmt.Errorf("malformed event: %w", err)}
		}
		if err := onEvent(ev); err != nil {
			return err
		}
		switch {
		case ev.Type == discovery.EventItemError && ev.Fatal:
			return fmt.Errorf("%w: %s", ErrScanFailed, ev.Error)
		case ev.Type == discovery.EventScanComplete:
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return &StreamError{Err: err}
	}
	return &StreamError{Err: errors.New("stream ended before scan_complete")}
}

// DiscoverResult is what Discover produced
type DiscoverResult struct {
	// Resources holds every unique resource of the scan
	Resources []resource.Resource
	// FellBack is set when the stream failed and the batch endpoint was used
	FellBack bool
	// StreamErr is the stream failure that caused the fallback
	StreamErr error
}

// Discover streams a scan and, if the stream breaks, falls back to a fresh
// batch scan. Events seen before the break were already passed to onEvent;
// the result always holds the complete resource list.
func (c *Client) Discover(ctx context.Context, onEvent func(discovery.Event) error) (DiscoverResult, error) {
	var found []resource.Resource
	err := c.Stream(ctx, func(ev discovery.Event) error {
		if ev.Type == discovery.EventItemFound && ev.Resource != nil {
			found = append(found, *ev.Resource)
		}
		if onEvent != nil {
			return onEvent(ev)
		}
		return nil
	})
	if err == nil {
		return DiscoverResult{Resources: found}, nil
	}

	var se *StreamError
	if !errors.As(err, &se) {
		return DiscoverResult{}, err
	}
	all, berr := c.ListResources(ctx, ListOptions{Refresh: true})
	if berr != nil {
		return DiscoverResult{}, fmt.Errorf("%w; batch fallback failed: %w", err, berr)
	}
	return DiscoverResult{Resources: all, FellBack: true, StreamErr: err}, nil
}
