// Package loader is the render side of the annotation layer.
//
// Information Hiding:
// - Cache-then-archive lookup order hidden behind Listener callbacks
// - Late responses for superseded loads are dropped internally
// - Point budget applied before anything reaches the Renderer
//
// A Loader is attached to a state.Coordinator as its Listener. Each load runs
// in its own goroutine; nothing the coordinator does waits for it.

package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/richinex/annolayer/budget"
	"github.com/richinex/annolayer/model"
	"github.com/richinex/annolayer/state"
	"github.com/richinex/annolayer/storage"
	"github.com/richinex/annolayer/version"
)

// Fetcher retrieves a full annotation document. *archive.Client satisfies it.
type Fetcher interface {
	Body(ctx context.Context, id string) (model.AnnotationBody, error)
}

// Style is the opacity/visibility pair handed to the renderer.
type Style struct {
	Opacity float64
	Visible bool
}

// Renderer draws annotation geometry. Draw and Remove are called with the
// loader's lock held; Restyle is not. No method may toggle loads on the
// coordinator.
type Renderer interface {
	// Draw renders elements for id and calls ready(id) once rendering is
	// complete. ready may be called more than once.
	Draw(id string, elements []model.Element, style Style, ready func(id string))
	Restyle(id string, style Style)
	Remove(id string)
}

// Limits bounds the geometry handed to the renderer. Zero disables a cap.
type Limits struct {
	MaxPointsPerElement int
	MaxTotalPoints      int
}

// DefaultLimits returns the default point budget.
func DefaultLimits() Limits {
	return Limits{
		MaxPointsPerElement: 10000,
		MaxTotalPoints:      500000,
	}
}

// ErrorHandler receives load failures.
type ErrorHandler func(id string, err error)

// Loader implements state.Listener.
type Loader struct {
	coord    *state.Coordinator
	cache    storage.AnnotationCache // nil disables caching
	fetcher  Fetcher
	renderer Renderer
	limits   Limits
	ttl      *time.Duration
	onError  ErrorHandler
	logger   *slog.Logger

	mu sync.Mutex // orders Draw against Remove

	tasks sync.WaitGroup
}

// New creates a loader and registers it as coord's listener.
func New(coord *state.Coordinator, cache storage.AnnotationCache, fetcher Fetcher, renderer Renderer, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		coord:    coord,
		cache:    cache,
		fetcher:  fetcher,
		renderer: renderer,
		limits:   DefaultLimits(),
		logger:   logger,
	}
	l.onError = func(id string, err error) {
		l.logger.Error("annotation load failed", "id", id, "error", err)
	}
	coord.SetListener(l)
	return l
}

// WithLimits sets the point budget.
func (l *Loader) WithLimits(limits Limits) *Loader {
	l.limits = limits
	return l
}

// WithTTL sets the lifetime of entries written back to the cache.
func (l *Loader) WithTTL(ttl time.Duration) *Loader {
	l.ttl = storage.TTL(ttl)
	return l
}

// WithErrorHandler replaces the default error handler, which logs.
func (l *Loader) WithErrorHandler(h ErrorHandler) *Loader {
	if h != nil {
		l.onError = h
	}
	return l
}

// OnLoad starts fetching and drawing generation gen of id.
func (l *Loader) OnLoad(id string, gen uint64) {
	l.tasks.Add(1)
	go func() {
		defer l.tasks.Done()
		l.load(id, gen)
	}()
}

// OnUnload removes id from the renderer. A fetch still in flight for id
// completes, fills the cache, and is then discarded.
func (l *Loader) OnUnload(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renderer.Remove(id)
}

// OnStyle forwards a style change to the renderer.
func (l *Loader) OnStyle(id string, opacity float64, visible bool) {
	l.renderer.Restyle(id, Style{Opacity: opacity, Visible: visible})
}

// Wait blocks until all started loads have finished.
func (l *Loader) Wait() {
	l.tasks.Wait()
}

func (l *Loader) load(id string, gen uint64) {
	// No deadline: in-flight fetches are never cancelled.
	ctx := context.Background()

	body, err := l.resolve(ctx, id)
	if err != nil {
		l.fail(id, gen, err)
		return
	}

	res := budget.Filter(body.Elements, l.limits.MaxPointsPerElement, l.limits.MaxTotalPoints)
	if res.SkippedCount > 0 {
		l.logger.Info("skipped elements over point budget",
			"id", id,
			"skipped", res.SkippedCount,
			"skipped_points", res.SkippedPoints,
			"kept", len(res.Kept),
		)
	}
	if body.Malformed > 0 {
		l.logger.Warn("skipped malformed elements", "id", id, "count", body.Malformed)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.coord.CurrentState(id, gen)
	if !ok {
		l.logger.Debug("discarding response for superseded load", "id", id)
		return
	}
	l.renderer.Draw(id, res.Kept, Style{Opacity: st.Opacity, Visible: st.Visible}, l.coord.MarkReady)
}

// resolve returns the cached body when it matches the listed version, else
// fetches it and writes it back. Cache failures never fail the load.
func (l *Loader) resolve(ctx context.Context, id string) (*model.AnnotationBody, error) {
	if l.cache != nil {
		cached, err := l.cache.Get(ctx, id, l.coord.VersionHash(id))
		if err != nil {
			l.logger.Warn("cache read failed", "id", id, "error", err)
		} else if cached != nil {
			l.logger.Debug("cache hit", "id", id)
			return cached, nil
		}
	}

	fetched, err := l.fetcher.Body(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch annotation %s: %w", id, err)
	}

	if l.cache != nil {
		opts := storage.SetOptions{TTL: l.ttl, VersionHash: version.ComputeHash(fetched.Header)}
		if err := l.cache.Set(ctx, id, &fetched, opts); err != nil {
			l.logger.Warn("cache write failed", "id", id, "error", err)
		}
	}
	return &fetched, nil
}

// fail unloads id and reports the error when the failed load is still the
// current one. Failures of superseded loads are only logged.
func (l *Loader) fail(id string, gen uint64, err error) {
	if !l.coord.UnloadIfCurrent(id, gen) {
		l.logger.Debug("dropping error for superseded load", "id", id, "error", err)
		return
	}
	l.onError(id, err)
}

// Verify Loader implements state.Listener
var _ state.Listener = (*Loader)(nil)
