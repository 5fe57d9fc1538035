// Package state owns the per-annotation view state shared by the annotation
// list and the renderer.
//
// Information Hiding:
// - State maps and the hidden-opacity side table are unexported
// - Callers only see transitions and copies of the state
// - Render-side notifications are delivered outside the lock
//
// Each identifier moves through unloaded -> loading -> ready, with
// ready <-> hidden driven by visibility and opacity changes.

package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/richinex/annolayer/model"
	"github.com/richinex/annolayer/storage"
	"github.com/richinex/annolayer/version"
)

var (
	// ErrNotLoaded is returned by style operations on an unloaded annotation.
	ErrNotLoaded = errors.New("annotation not loaded")
	// ErrInvalidOpacity is returned for opacity outside [0, 1].
	ErrInvalidOpacity = errors.New("opacity must be within [0, 1]")
	// ErrEmptyID is returned when an identifier normalizes to "".
	ErrEmptyID = errors.New("annotation id cannot be empty")
)

// defaultOpacity is restored when showing an annotation that was hidden
// without a recorded opacity.
const defaultOpacity = 1.0

// Listener is the render side. Calls happen after the coordinator's lock is
// released and in transition order for a given id.
type Listener interface {
	// OnLoad asks the render side to fetch and draw id. gen identifies this
	// load; see CurrentState and UnloadIfCurrent.
	OnLoad(id string, gen uint64)
	// OnUnload asks the render side to remove id.
	OnUnload(id string)
	// OnStyle reports a changed opacity/visibility for a loaded id.
	OnStyle(id string, opacity float64, visible bool)
}

// Snapshot is a consistent copy of all runtime state.
type Snapshot struct {
	Version uint64                        `json:"version"`
	States  map[string]model.RuntimeState `json:"states"`
}

// Coordinator owns the loaded/visible/opacity/loading/cached state of every
// annotation the viewer knows about. Safe for concurrent use.
type Coordinator struct {
	mu      sync.Mutex
	states  map[string]*model.RuntimeState
	hidden  map[string]float64 // opacity recorded when hidden
	gens    map[string]uint64  // generation of the current load of each id
	version uint64
	catalog *catalog

	cache    storage.AnnotationCache // nil disables cache checks
	listener Listener
	logger   *slog.Logger

	tasks sync.WaitGroup
}

// New creates a coordinator. cache may be nil.
func New(cache storage.AnnotationCache, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		states:  make(map[string]*model.RuntimeState),
		hidden:  make(map[string]float64),
		gens:    make(map[string]uint64),
		catalog: newCatalog(),
		cache:   cache,
		logger:  logger,
	}
}

// SetListener attaches the render side.
func (c *Coordinator) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// event is a pending listener call collected under the lock.
type event struct {
	kind    int
	id      string
	gen     uint64
	opacity float64
	visible bool
}

const (
	eventLoad = iota
	eventUnload
	eventStyle
)

func (c *Coordinator) dispatch(l Listener, events []event) {
	if l == nil {
		return
	}
	for _, ev := range events {
		switch ev.kind {
		case eventLoad:
			l.OnLoad(ev.id, ev.gen)
		case eventUnload:
			l.OnUnload(ev.id)
		case eventStyle:
			l.OnStyle(ev.id, ev.opacity, ev.visible)
		}
	}
}

// ToggleLoad loads an unloaded annotation or unloads a loaded one and
// reports whether it is loaded afterwards.
func (c *Coordinator) ToggleLoad(id string) (bool, error) {
	id = model.NormalizeID(id)
	if id == "" {
		return false, ErrEmptyID
	}

	c.mu.Lock()
	ev, loaded := c.toggleLocked(id)
	l := c.listener
	c.mu.Unlock()

	c.dispatch(l, []event{ev})
	return loaded, nil
}

func (c *Coordinator) toggleLocked(id string) (event, bool) {
	if _, ok := c.states[id]; ok {
		return c.unloadLocked(id), false
	}
	c.version++
	c.states[id] = &model.RuntimeState{
		Loaded:  true,
		Visible: true,
		Opacity: defaultOpacity,
		Loading: true,
	}
	c.gens[id] = c.version
	return event{kind: eventLoad, id: id, gen: c.version}, true
}

func (c *Coordinator) unloadLocked(id string) event {
	c.version++
	delete(c.states, id)
	delete(c.hidden, id)
	delete(c.gens, id)
	return event{kind: eventUnload, id: id}
}

// CurrentState returns a copy of id's state while gen is its current load.
func (c *Coordinator) CurrentState(id string, gen uint64) (model.RuntimeState, bool) {
	id = model.NormalizeID(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.gens[id]; !ok || cur != gen {
		return model.RuntimeState{}, false
	}
	return *c.states[id], true
}

// UnloadIfCurrent unloads id only while gen is still its current load and
// reports whether it did. Unlike ToggleLoad it never loads.
func (c *Coordinator) UnloadIfCurrent(id string, gen uint64) bool {
	id = model.NormalizeID(id)

	c.mu.Lock()
	if cur, ok := c.gens[id]; !ok || cur != gen {
		c.mu.Unlock()
		return false
	}
	ev := c.unloadLocked(id)
	l := c.listener
	c.mu.Unlock()

	c.dispatch(l, []event{ev})
	return true
}

// ToggleVisibility hides a visible annotation, remembering its opacity, or
// shows a hidden one, restoring the remembered opacity (1 if none).
// It reports whether the annotation is visible afterwards.
func (c *Coordinator) ToggleVisibility(id string) (bool, error) {
	id = model.NormalizeID(id)

	c.mu.Lock()
	st, ok := c.states[id]
	if !ok {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	if st.Visible {
		c.hideLocked(id, st)
	} else {
		c.showLocked(id, st, c.restoredOpacity(id))
	}
	c.version++
	ev := event{kind: eventStyle, id: id, opacity: st.Opacity, visible: st.Visible}
	visible := st.Visible
	l := c.listener
	c.mu.Unlock()

	c.dispatch(l, []event{ev})
	return visible, nil
}

// SetOpacity sets the opacity of a loaded annotation. Zero hides it (the
// previous opacity is remembered); any positive value shows it.
func (c *Coordinator) SetOpacity(id string, opacity float64) error {
	id = model.NormalizeID(id)
	if math.IsNaN(opacity) || opacity < 0 || opacity > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidOpacity, opacity)
	}

	c.mu.Lock()
	st, ok := c.states[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	if opacity == 0 {
		if st.Visible {
			c.hideLocked(id, st)
		}
	} else {
		c.showLocked(id, st, opacity)
	}
	c.version++
	ev := event{kind: eventStyle, id: id, opacity: st.Opacity, visible: st.Visible}
	l := c.listener
	c.mu.Unlock()

	c.dispatch(l, []event{ev})
	return nil
}

func (c *Coordinator) hideLocked(id string, st *model.RuntimeState) {
	c.hidden[id] = st.Opacity
	st.Opacity = 0
	st.Visible = false
}

func (c *Coordinator) showLocked(id string, st *model.RuntimeState, opacity float64) {
	delete(c.hidden, id)
	st.Opacity = opacity
	st.Visible = true
}

func (c *Coordinator) restoredOpacity(id string) float64 {
	if o, ok := c.hidden[id]; ok && o > 0 {
		return o
	}
	return defaultOpacity
}

// MarkReady is the renderer's ready callback. It clears the loading flag and,
// when a cache is configured, checks cache membership in a detached task.
//
// Calling it again, or for an id that is not loading, does nothing: the
// renderer may fire it more than once across render cycles.
func (c *Coordinator) MarkReady(id string) {
	id = model.NormalizeID(id)

	c.mu.Lock()
	st, ok := c.states[id]
	if !ok || !st.Loading {
		c.mu.Unlock()
		return
	}
	st.Loading = false
	c.version++
	hash := c.versionHashLocked(id)
	c.mu.Unlock()

	if c.cache != nil {
		c.checkCachedAsync(id, st, hash)
	}
}

// checkCachedAsync sets Cached on st if the cache holds id. The task is never
// awaited by the caller; failures are logged and dropped. st is compared by
// identity so a reload in the meantime is left untouched.
func (c *Coordinator) checkCachedAsync(id string, st *model.RuntimeState, hash string) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()

		ok, err := c.cache.Has(context.Background(), id, hash)
		if err != nil {
			c.logger.Warn("cache membership check failed", "id", id, "error", err)
			return
		}
		if !ok {
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, exists := c.states[id]; exists && cur == st && !cur.Cached {
			cur.Cached = true
			c.version++
		}
	}()
}

// BypassCache drops id from the cache and clears its cached flag. A loaded
// annotation is unloaded and loaded again so the render side re-fetches it.
// The state transitions happen even when the cache delete fails; that error
// is returned afterwards.
func (c *Coordinator) BypassCache(ctx context.Context, id string) error {
	id = model.NormalizeID(id)
	if id == "" {
		return ErrEmptyID
	}

	var cacheErr error
	if c.cache != nil {
		if err := c.cache.Delete(ctx, id); err != nil {
			c.logger.Warn("cache delete failed during bypass", "id", id, "error", err)
			cacheErr = fmt.Errorf("failed to delete cache entry: %w", err)
		}
	}

	c.mu.Lock()
	var events []event
	if st, ok := c.states[id]; ok {
		st.Cached = false
		unload, _ := c.toggleLocked(id)
		load, _ := c.toggleLocked(id)
		events = append(events, unload, load)
	}
	l := c.listener
	c.mu.Unlock()

	c.dispatch(l, events)
	return cacheErr
}

// State returns a copy of id's runtime state.
func (c *Coordinator) State(id string) (model.RuntimeState, bool) {
	id = model.NormalizeID(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[id]
	if !ok {
		return model.RuntimeState{}, false
	}
	return *st, true
}

// IsLoaded reports whether id is currently loaded.
func (c *Coordinator) IsLoaded(id string) bool {
	_, ok := c.State(id)
	return ok
}

// Snapshot returns a copy of every runtime state with the state version.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	states := make(map[string]model.RuntimeState, len(c.states))
	for id, st := range c.states {
		states[id] = *st
	}
	return Snapshot{Version: c.version, States: states}
}

// Version increases with every state change.
func (c *Coordinator) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// LoadedIDs returns the loaded identifiers in sorted order.
func (c *Coordinator) LoadedIDs() []string {
	return c.ids(func(*model.RuntimeState) bool { return true })
}

// LoadingIDs returns identifiers still waiting for the renderer.
func (c *Coordinator) LoadingIDs() []string {
	return c.ids(func(st *model.RuntimeState) bool { return st.Loading })
}

func (c *Coordinator) ids(keep func(*model.RuntimeState) bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := []string{}
	for id, st := range c.states {
		if keep(st) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Wait blocks until detached cache checks have finished.
func (c *Coordinator) Wait() {
	c.tasks.Wait()
}

// List side

// SetHeaders records headers fetched by the list side, superseding earlier
// headers with the same id.
func (c *Coordinator) SetHeaders(headers []model.AnnotationHeader) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range headers {
		h.ID = model.NormalizeID(h.ID)
		if h.ID == "" {
			continue
		}
		c.catalog.upsert(h)
	}
}

// Header returns the latest header for id.
func (c *Coordinator) Header(id string) (model.AnnotationHeader, bool) {
	id = model.NormalizeID(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog.get(id)
}

// Headers returns all known headers sorted by id.
func (c *Coordinator) Headers() []model.AnnotationHeader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog.all()
}

// SearchByName returns headers whose name starts with prefix, ignoring case.
func (c *Coordinator) SearchByName(prefix string) []model.AnnotationHeader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.catalog.byNamePrefix(prefix)
}

// VersionHash returns the fingerprint of id's latest header, or "" when the
// list side has not reported it.
func (c *Coordinator) VersionHash(id string) string {
	id = model.NormalizeID(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionHashLocked(id)
}

func (c *Coordinator) versionHashLocked(id string) string {
	h, ok := c.catalog.get(id)
	if !ok {
		return ""
	}
	return version.ComputeHash(h)
}

// CachedHeaders reports which known annotations can be loaded from the cache
// at their current version. Cache failures count as "not cached".
func (c *Coordinator) CachedHeaders(ctx context.Context) []string {
	headers := c.Headers()
	out := []string{}
	if c.cache == nil {
		return out
	}
	for _, h := range headers {
		ok, err := c.cache.Has(ctx, h.ID, version.ComputeHash(h))
		if err != nil {
			c.logger.Warn("cache membership check failed", "id", h.ID, "error", err)
			continue
		}
		if ok {
			out = append(out, h.ID)
		}
	}
	return out
}
