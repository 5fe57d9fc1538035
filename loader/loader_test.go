package loader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/richinex/annolayer/model"
	"github.com/richinex/annolayer/state"
	"github.com/richinex/annolayer/storage"
	"github.com/richinex/annolayer/version"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errTransport = errors.New("connection refused")

// fakeFetcher serves bodies from a map. Ids present in gates block until the
// gate channel is closed. Each call sends its id on entered, if there is room.
type fakeFetcher struct {
	mu      sync.Mutex
	bodies  map[string]model.AnnotationBody
	gates   map[string]chan struct{}
	calls   map[string]int
	entered chan string
}

func newFakeFetcher(bodies ...model.AnnotationBody) *fakeFetcher {
	f := &fakeFetcher{
		bodies:  make(map[string]model.AnnotationBody),
		gates:   make(map[string]chan struct{}),
		calls:   make(map[string]int),
		entered: make(chan string, 16),
	}
	for _, b := range bodies {
		f.bodies[b.ID] = b
	}
	return f
}

func (f *fakeFetcher) gate(id string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[id] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeFetcher) ungate(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.gates, id)
}

func (f *fakeFetcher) setBody(b model.AnnotationBody) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[b.ID] = b
}

func (f *fakeFetcher) Body(ctx context.Context, id string) (model.AnnotationBody, error) {
	f.mu.Lock()
	f.calls[id]++
	gate := f.gates[id]
	body, ok := f.bodies[id]
	f.mu.Unlock()

	select {
	case f.entered <- id:
	default:
	}
	if gate != nil {
		<-gate
	}
	if !ok {
		return model.AnnotationBody{}, errTransport
	}
	return *body.Clone(), nil
}

func (f *fakeFetcher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type draw struct {
	id       string
	elements int
	style    Style
}

type fakeRenderer struct {
	mu       sync.Mutex
	draws    []draw
	restyles []draw
	removes  []string
}

func (r *fakeRenderer) Draw(id string, elements []model.Element, style Style, ready func(string)) {
	r.mu.Lock()
	r.draws = append(r.draws, draw{id: id, elements: len(elements), style: style})
	r.mu.Unlock()
	ready(id)
	ready(id)
}

func (r *fakeRenderer) Restyle(id string, style Style) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restyles = append(r.restyles, draw{id: id, style: style})
}

func (r *fakeRenderer) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removes = append(r.removes, id)
}

func (r *fakeRenderer) drawn() []draw {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]draw(nil), r.draws...)
}

// brokenCache fails every write.
type brokenCache struct{ *storage.MemoryCache }

func (b *brokenCache) Set(ctx context.Context, id string, body *model.AnnotationBody, opts storage.SetOptions) error {
	return errors.New("disk full")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func int64Ptr(v int64) *int64 { return &v }

func rect(id string) model.Element {
	return model.Element{Type: model.ElementRectangle, ID: id, Width: 10, Height: 10}
}

func polyline(id string, n int) model.Element {
	pts := make([][]float64, n)
	for i := range pts {
		pts[i] = []float64{float64(i), float64(i)}
	}
	return model.Element{Type: model.ElementPolyline, ID: id, Points: pts}
}

func sampleBody(id string, elements ...model.Element) model.AnnotationBody {
	return model.AnnotationBody{
		ID:       id,
		Header:   model.AnnotationHeader{ID: id, Version: int64Ptr(1), Name: "region " + id},
		Elements: elements,
	}
}

type harness struct {
	coord    *state.Coordinator
	cache    storage.AnnotationCache
	fetcher  *fakeFetcher
	renderer *fakeRenderer
	loader   *Loader
}

func newHarness(cache storage.AnnotationCache, bodies ...model.AnnotationBody) *harness {
	coord := state.New(cache, quietLogger())
	h := &harness{
		coord:    coord,
		cache:    cache,
		fetcher:  newFakeFetcher(bodies...),
		renderer: &fakeRenderer{},
	}
	h.loader = New(coord, cache, h.fetcher, h.renderer, quietLogger())
	return h
}

// reportErrors collects the ids passed to the loader's error handler.
func (h *harness) reportErrors() func() []string {
	var mu sync.Mutex
	var reported []string
	h.loader.WithErrorHandler(func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, id)
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), reported...)
	}
}

func (h *harness) settle() {
	h.loader.Wait()
	h.coord.Wait()
}

func TestLoadFetchesOnMissAndCaches(t *testing.T) {
	cache := storage.NewMemoryCache(0)
	body := sampleBody("a1", rect("r1"), polyline("p1", 3))
	h := newHarness(cache, body)
	h.coord.SetHeaders([]model.AnnotationHeader{body.Header})

	if _, err := h.coord.ToggleLoad("a1"); err != nil {
		t.Fatalf("ToggleLoad failed: %v", err)
	}
	h.settle()

	draws := h.renderer.drawn()
	if len(draws) != 1 || draws[0].id != "a1" || draws[0].elements != 2 {
		t.Fatalf("unexpected draws: %+v", draws)
	}
	if draws[0].style != (Style{Opacity: 1, Visible: true}) {
		t.Errorf("unexpected style %+v", draws[0].style)
	}
	if h.fetcher.callCount("a1") != 1 {
		t.Errorf("expected one fetch, got %d", h.fetcher.callCount("a1"))
	}

	ok, err := cache.Has(context.Background(), "a1", version.ComputeHash(body.Header))
	if err != nil || !ok {
		t.Errorf("expected body cached under its version hash, ok=%v err=%v", ok, err)
	}

	st, _ := h.coord.State("a1")
	if st.Loading || !st.Cached {
		t.Errorf("expected ready and cached state, got %+v", st)
	}
}

func TestLoadUsesCacheHit(t *testing.T) {
	cache := storage.NewMemoryCache(0)
	body := sampleBody("a1", rect("r1"))
	h := newHarness(cache, body)
	h.coord.SetHeaders([]model.AnnotationHeader{body.Header})

	err := cache.Set(context.Background(), "a1", &body, storage.SetOptions{VersionHash: version.ComputeHash(body.Header)})
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	h.coord.ToggleLoad("a1")
	h.settle()

	if n := h.fetcher.callCount("a1"); n != 0 {
		t.Errorf("expected cache hit to skip fetch, got %d fetches", n)
	}
	if len(h.renderer.drawn()) != 1 {
		t.Errorf("expected one draw, got %d", len(h.renderer.drawn()))
	}
}

func TestLoadRefetchesStaleEntry(t *testing.T) {
	cache := storage.NewMemoryCache(0)
	body := sampleBody("a1", rect("r1"))
	h := newHarness(cache, body)

	old := body.Header
	old.Version = int64Ptr(0)
	_ = cache.Set(context.Background(), "a1", &body, storage.SetOptions{VersionHash: version.ComputeHash(old)})
	h.coord.SetHeaders([]model.AnnotationHeader{body.Header})

	h.coord.ToggleLoad("a1")
	h.settle()

	if n := h.fetcher.callCount("a1"); n != 1 {
		t.Errorf("expected stale entry to be refetched, got %d fetches", n)
	}
}

func TestCacheWriteFailureStillRenders(t *testing.T) {
	cache := &brokenCache{storage.NewMemoryCache(0)}
	h := newHarness(cache, sampleBody("a1", rect("r1")))

	h.coord.ToggleLoad("a1")
	h.settle()

	if len(h.renderer.drawn()) != 1 {
		t.Fatal("expected render despite cache write failure")
	}
	st, ok := h.coord.State("a1")
	if !ok || st.Loading {
		t.Errorf("expected loaded and ready, got %+v (ok=%v)", st, ok)
	}
	if st.Cached {
		t.Error("nothing was written, so cached must stay false")
	}
}

func TestLoadAppliesPointBudget(t *testing.T) {
	tests := []struct {
		name     string
		sizes    []int
		limits   Limits
		wantKept int
	}{
		{name: "per element cap", sizes: []int{20000, 50, 50}, limits: Limits{MaxPointsPerElement: 10000, MaxTotalPoints: 500000}, wantKept: 2},
		{name: "total cap", sizes: []int{3000, 3000, 3000}, limits: Limits{MaxPointsPerElement: 10000, MaxTotalPoints: 5000}, wantKept: 1},
		{name: "within budget", sizes: []int{10, 20, 30}, limits: DefaultLimits(), wantKept: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var elements []model.Element
			for i, n := range tt.sizes {
				elements = append(elements, polyline(string(rune('a'+i)), n))
			}
			h := newHarness(nil, sampleBody("a1", elements...))
			h.loader.WithLimits(tt.limits)

			h.coord.ToggleLoad("a1")
			h.settle()

			draws := h.renderer.drawn()
			if len(draws) != 1 {
				t.Fatalf("expected one draw, got %d", len(draws))
			}
			if draws[0].elements != tt.wantKept {
				t.Errorf("expected %d elements kept, got %d", tt.wantKept, draws[0].elements)
			}
		})
	}
}

func TestLateResponseIsCachedNotDrawn(t *testing.T) {
	cache := storage.NewMemoryCache(0)
	h := newHarness(cache, sampleBody("a1", rect("r1")))
	gate := h.fetcher.gate("a1")

	h.coord.ToggleLoad("a1")
	h.coord.ToggleLoad("a1")
	close(gate)
	h.settle()

	if len(h.renderer.drawn()) != 0 {
		t.Errorf("late response must not be drawn, got %+v", h.renderer.drawn())
	}
	if h.coord.IsLoaded("a1") {
		t.Error("late response must not reload the annotation")
	}
	if ok, _ := cache.Has(context.Background(), "a1", ""); !ok {
		t.Error("late response should still populate the cache")
	}
}

func TestReloadDuringFetchDrawsOnce(t *testing.T) {
	h := newHarness(nil, sampleBody("a1", rect("r1")))
	gate := h.fetcher.gate("a1")

	h.coord.ToggleLoad("a1")
	h.coord.ToggleLoad("a1")
	h.coord.ToggleLoad("a1")
	close(gate)
	h.settle()

	if n := len(h.renderer.drawn()); n != 1 {
		t.Errorf("expected only the current load to draw, got %d draws", n)
	}
	st, _ := h.coord.State("a1")
	if st.Loading {
		t.Error("expected current load to reach ready")
	}
}

func TestTransportErrorUnloads(t *testing.T) {
	h := newHarness(storage.NewMemoryCache(0))

	var mu sync.Mutex
	var reported []string
	h.loader.WithErrorHandler(func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if errors.Is(err, errTransport) {
			reported = append(reported, id)
		}
	})

	h.coord.ToggleLoad("missing")
	h.settle()

	if h.coord.IsLoaded("missing") {
		t.Error("failed load must leave the id absent from state")
	}
	if len(h.renderer.drawn()) != 0 {
		t.Error("failed load must not draw")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 || reported[0] != "missing" {
		t.Errorf("expected error reported for 'missing', got %v", reported)
	}
}

func TestUnloadDuringFailingFetchStaysUnloaded(t *testing.T) {
	h := newHarness(storage.NewMemoryCache(0))
	reported := h.reportErrors()
	gate := h.fetcher.gate("a1")

	h.coord.ToggleLoad("a1")
	<-h.fetcher.entered
	h.coord.ToggleLoad("a1")
	close(gate)
	h.settle()

	if h.coord.IsLoaded("a1") {
		t.Error("failure of an unloaded annotation must not load it again")
	}
	if n := h.fetcher.callCount("a1"); n != 1 {
		t.Errorf("expected one fetch, got %d", n)
	}
	if got := reported(); len(got) != 0 {
		t.Errorf("expected no error for a load the user abandoned, got %v", got)
	}
}

func TestFailedFetchKeepsLaterReload(t *testing.T) {
	h := newHarness(storage.NewMemoryCache(0))
	reported := h.reportErrors()
	gate := h.fetcher.gate("a1")

	// The first fetch has already read a missing body when the user reloads.
	h.coord.ToggleLoad("a1")
	<-h.fetcher.entered
	h.fetcher.setBody(sampleBody("a1", rect("r1")))
	h.fetcher.ungate("a1")

	h.coord.ToggleLoad("a1")
	h.coord.ToggleLoad("a1")
	<-h.fetcher.entered
	close(gate)
	h.settle()

	if !h.coord.IsLoaded("a1") {
		t.Fatal("failure of the first load must not unload the reload")
	}
	if st, _ := h.coord.State("a1"); st.Loading {
		t.Error("expected reload to reach ready")
	}
	if n := len(h.renderer.drawn()); n != 1 {
		t.Errorf("expected one draw, got %d", n)
	}
	if n := h.fetcher.callCount("a1"); n != 2 {
		t.Errorf("expected two fetches, got %d", n)
	}
	if got := reported(); len(got) != 0 {
		t.Errorf("expected no error for a superseded load, got %v", got)
	}
}

func TestStyleChangesForwarded(t *testing.T) {
	h := newHarness(nil, sampleBody("a1", rect("r1")))

	h.coord.ToggleLoad("a1")
	h.settle()
	if err := h.coord.SetOpacity("a1", 0.3); err != nil {
		t.Fatalf("SetOpacity failed: %v", err)
	}
	if _, err := h.coord.ToggleVisibility("a1"); err != nil {
		t.Fatalf("ToggleVisibility failed: %v", err)
	}
	h.coord.ToggleLoad("a1")

	h.renderer.mu.Lock()
	defer h.renderer.mu.Unlock()
	want := []Style{{Opacity: 0.3, Visible: true}, {Opacity: 0, Visible: false}}
	if len(h.renderer.restyles) != len(want) {
		t.Fatalf("expected %d restyles, got %+v", len(want), h.renderer.restyles)
	}
	for i, s := range want {
		if h.renderer.restyles[i].style != s {
			t.Errorf("restyle %d: expected %+v, got %+v", i, s, h.renderer.restyles[i].style)
		}
	}
	if len(h.renderer.removes) != 1 || h.renderer.removes[0] != "a1" {
		t.Errorf("expected a1 removed on unload, got %v", h.renderer.removes)
	}
}

func TestBypassCacheRefetches(t *testing.T) {
	cache := storage.NewMemoryCache(0)
	h := newHarness(cache, sampleBody("a1", rect("r1")))

	h.coord.ToggleLoad("a1")
	h.settle()
	if st, _ := h.coord.State("a1"); !st.Cached {
		t.Fatal("expected cached after first load")
	}

	if err := h.coord.BypassCache(context.Background(), "a1"); err != nil {
		t.Fatalf("BypassCache failed: %v", err)
	}
	h.settle()

	if n := h.fetcher.callCount("a1"); n != 2 {
		t.Errorf("expected bypass to refetch, got %d fetches", n)
	}
	if n := len(h.renderer.drawn()); n != 2 {
		t.Errorf("expected two draws, got %d", n)
	}
}
