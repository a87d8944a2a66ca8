// Package discovery ties root resolution, scanning, parsing and
// deduplication into a single scan that can be consumed as a live event
// stream or collected into a batch.
package discovery

import (
	"context"
	"errors"
	"iter"

	"github.com/charmbracelet/log"

	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/parser"
	"github.com/gurisko/scopectl/internal/resource"
	"github.com/gurisko/scopectl/internal/scanner"
)

// Pipeline runs discovery scans
type Pipeline struct {
	roots   RootSource
	scanner *scanner.Scanner
	parser  *parser.Parser
	logger  *log.Logger
}

// NewPipeline creates a Pipeline
func NewPipeline(roots RootSource, sc *scanner.Scanner, p *parser.Parser, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default().WithPrefix("discovery")
	}
	return &Pipeline{roots: roots, scanner: sc, parser: p, logger: logger}
}

// Roots resolves the roots the next scan would use
func (p *Pipeline) Roots(ctx context.Context) ([]layout.Root, error) {
	return p.roots.Resolve(ctx)
}

func scanRoots(roots []layout.Root) []scanner.Root {
	out := make([]scanner.Root, len(roots))
	for i, r := range roots {
		out[i] = scanner.Root{Path: r.Path, Exclude: r.Exclude}
	}
	return out
}

// discover walks roots and yields every parsed resource or traversal error
func (p *Pipeline) discover(ctx context.Context, roots []layout.Root) iter.Seq2[Discovered, error] {
	return func(yield func(Discovered, error) bool) {
		for c, err := range p.scanner.Walk(ctx, scanRoots(roots)) {
			if err != nil {
				if !yield(Discovered{}, err) {
					return
				}
				continue
			}
			loc, ok := p.parser.Classify(roots, c)
			if !ok {
				continue
			}
			parsed, err := p.parser.Parse(loc, c.Path)
			if err != nil {
				if !errors.Is(err, parser.ErrNotResource) {
					p.logger.Debug("skipping unparsable file", "path", c.Path, "err", err)
				}
				continue
			}
			for _, r := range parsed {
				if !yield(Discovered{Resource: r, Root: c.Root}, nil) {
					return
				}
			}
		}
	}
}

// Events runs one scan and yields its events: scan_started, then an
// item_found per unique resource and an item_error per traversal error, then
// scan_complete. Nothing is yielded once ctx is cancelled, and a cancelled
// scan never completes. A root resolution failure yields a single fatal
// item_error.
func (p *Pipeline) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		roots, err := p.roots.Resolve(ctx)
		if err != nil {
			if ctx.Err() == nil {
				yield(fatalEvent(err))
			}
			return
		}
		if !yield(scanStartedEvent(roots)) {
			return
		}

		admit := NewAdmitter()
		count := 0
		for d, err := range p.discover(ctx, roots) {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				p.logger.Debug("traversal error", "err", err)
				if !yield(itemErrorEvent(err)) {
					return
				}
				continue
			}
			if !admit.Admit(d.Resource) {
				continue
			}
			count++
			if !yield(itemFoundEvent(d.Resource, count)) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		yield(scanCompleteEvent(count))
	}
}

// Collect runs one scan to completion and returns the deduplicated
// resources. Traversal errors are logged and skipped.
func (p *Pipeline) Collect(ctx context.Context) ([]resource.Resource, error) {
	roots, err := p.roots.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	var found []Discovered
	for d, err := range p.discover(ctx, roots) {
		if err != nil {
			p.logger.Debug("traversal error", "err", err)
			continue
		}
		found = append(found, d)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Dedupe(found), nil
}
