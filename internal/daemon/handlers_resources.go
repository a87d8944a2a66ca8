//go:build unix

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gurisko/scopectl/internal/cache"
	"github.com/gurisko/scopectl/internal/discovery"
	"github.com/gurisko/scopectl/internal/resource"
)

// CacheSourceHeader tells the client whether a batch came from the cache
const CacheSourceHeader = "X-Scopectl-Source"

// handleDiscoverStream handles GET /api/discover/stream.
// Events are written as NDJSON and flushed one by one; the scan stops as
// soon as the client goes away.
func (d *Daemon) handleDiscoverStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rc := http.NewResponseController(w)
	// A full scan can outlive the server's write timeout
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		d.logger.Debug("cannot clear write deadline", "err", err)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	sink := discovery.NewLineSink(w, func() { _ = rc.Flush() })
	err := d.svc.publisher.Publish(r.Context(), sink)
	switch {
	case err == nil:
	case errors.Is(err, discovery.ErrSinkClosed), errors.Is(err, context.Canceled):
		d.logger.Debug("stream ended early", "err", err)
	default:
		d.logger.Warn("stream failed", "err", err)
	}
}

// handleListResources handles GET /api/resources.
// Query: refresh=1 bypasses the cache; scope and type filter the result.
func (d *Daemon) handleListResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	scope := resource.Scope(q.Get("scope"))
	if scope != "" && !scope.Valid() {
		writeError(w, fmt.Sprintf("unknown scope %q", scope), http.StatusBadRequest)
		return
	}
	typ := resource.Type(q.Get("type"))
	if typ != "" && !typ.Valid() {
		writeError(w, fmt.Sprintf("unknown type %q", typ), http.StatusBadRequest)
		return
	}
	refresh, _ := strconv.ParseBool(q.Get("refresh"))

	all, source, err := d.batch(r.Context(), refresh)
	if err != nil {
		writeDiscoveryError(w, err)
		return
	}

	out := make([]resource.Resource, 0, len(all))
	for _, res := range all {
		if scope != "" && res.Scope != scope {
			continue
		}
		if typ != "" && res.Type != typ {
			continue
		}
		out = append(out, res)
	}

	w.Header().Set(CacheSourceHeader, string(source))
	writeJSON(w, out, http.StatusOK)
}

// batch returns the deduplicated scan, cache-first unless refresh is set
func (d *Daemon) batch(ctx context.Context, refresh bool) ([]resource.Resource, cache.Source, error) {
	key := cache.Key(scanScope)
	if !refresh {
		return d.svc.cache.GetOrFetch(ctx, key, d.svc.pipeline.Collect)
	}
	all, err := d.svc.pipeline.Collect(ctx)
	if err != nil {
		return nil, cache.SourceFetch, err
	}
	if err := d.svc.cache.Set(ctx, key, all); err != nil {
		d.logger.Warn("cache write failed", "key", key, "err", err)
	}
	return all, cache.SourceFetch, nil
}

// handleCache handles DELETE /api/cache
func (d *Daemon) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := d.svc.cache.ClearAll(r.Context()); err != nil {
		writeError(w, fmt.Sprintf("failed to clear cache: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeDiscoveryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, discovery.ErrNoRoots), errors.Is(err, discovery.ErrRootInaccessible):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		// client is gone; nothing useful to send
	default:
		writeError(w, fmt.Sprintf("discovery failed: %v", err), http.StatusInternalServerError)
	}
}
