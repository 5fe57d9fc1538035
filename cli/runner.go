// Command execution for CLI commands.
//
// Information Hiding:
// - Cache backend, archive client and coordinator wiring hidden
// - Loader/renderer lifecycle hidden
// - Output formatting hidden

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/richinex/annolayer/archive"
	"github.com/richinex/annolayer/config"
	"github.com/richinex/annolayer/loader"
	"github.com/richinex/annolayer/model"
	"github.com/richinex/annolayer/state"
	"github.com/richinex/annolayer/storage"
)

// Options holds CLI execution options.
type Options struct {
	Backend string // overrides CACHE_BACKEND when set
	Verbose bool
	Out     io.Writer
}

// DefaultOptions returns default CLI options.
func DefaultOptions() Options {
	return Options{
		Out: os.Stdout,
	}
}

// app is the wired annotation layer for one command invocation.
type app struct {
	settings config.Settings
	logger   *slog.Logger
	cache    storage.AnnotationCache
	coord    *state.Coordinator
	client   *archive.Client
	renderer *loader.LogRenderer
	loader   *loader.Loader
	out      io.Writer
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// setup wires cache, coordinator, archive client and loader. The returned
// cleanup closes the cache after in-flight work has finished.
func setup(ctx context.Context, opts Options) (*app, func(), error) {
	settings, err := config.New(opts.Backend)
	if err != nil {
		return nil, nil, err
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	logger := newLogger(opts.Verbose)

	cache, err := storage.Open(ctx, storage.Options{
		Backend:    settings.Cache.Backend,
		Path:       settings.Cache.Path,
		RedisURL:   settings.Cache.RedisURL,
		MaxEntries: settings.Cache.MaxEntries,
		QuotaBytes: settings.Cache.QuotaBytes,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}

	a := &app{
		settings: settings,
		logger:   logger,
		cache:    cache,
		coord:    state.New(cache, logger),
		renderer: loader.NewLogRenderer(logger),
		out:      opts.Out,
	}

	if settings.Archive.URL != "" {
		a.client = archive.NewClient(archive.Session{
			BaseURL: settings.Archive.URL,
			Token:   settings.Archive.Token,
		}, settings.Archive.Timeout).WithPageSize(settings.Archive.PageSize)

		a.loader = loader.New(a.coord, cache, a.client, a.renderer, logger).
			WithLimits(loader.Limits{
				MaxPointsPerElement: settings.Budget.MaxPointsPerElement,
				MaxTotalPoints:      settings.Budget.MaxTotalPoints,
			})
		if settings.Cache.TTL > 0 {
			a.loader.WithTTL(settings.Cache.TTL)
		}
	}

	cleanup := func() {
		if a.loader != nil {
			a.loader.Wait()
		}
		a.coord.Wait()
		if err := cache.Close(); err != nil {
			logger.Warn("failed to close cache", "error", err)
		}
	}
	return a, cleanup, nil
}

func (a *app) requireArchive() error {
	if a.client == nil {
		return a.settings.RequireArchive()
	}
	return nil
}

// List prints the annotations of an item, optionally filtered by a name
// prefix, marking those available from the cache at their current version.
func List(ctx context.Context, itemID, namePrefix string, opts Options) error {
	a, cleanup, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.requireArchive(); err != nil {
		return err
	}

	headers, err := a.client.Headers(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to list annotations: %w", err)
	}
	a.coord.SetHeaders(headers)

	shown := a.coord.Headers()
	if namePrefix != "" {
		shown = a.coord.SearchByName(namePrefix)
	}

	cached := make(map[string]bool)
	for _, id := range a.coord.CachedHeaders(ctx) {
		cached[id] = true
	}

	fmt.Fprintf(a.out, "%d annotation(s) on item %s\n\n", len(shown), itemID)
	for _, h := range shown {
		mark := " "
		if cached[h.ID] {
			mark = "*"
		}
		fmt.Fprintf(a.out, "%s %-26s  %-32s  %s\n", mark, h.ID, truncateString(h.Name, 32), describeVersion(h))
	}
	if len(cached) > 0 {
		fmt.Fprintf(a.out, "\n* cached at current version\n")
	}
	return nil
}

// Load loads annotations of an item through the cache and prints what was
// drawn. With no ids every annotation on the item is loaded.
func Load(ctx context.Context, itemID string, ids []string, opts Options) error {
	a, cleanup, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.requireArchive(); err != nil {
		return err
	}

	headers, err := a.client.Headers(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to list annotations: %w", err)
	}
	a.coord.SetHeaders(headers)

	if len(ids) == 0 {
		for _, h := range headers {
			ids = append(ids, h.ID)
		}
	}

	var (
		mu     sync.Mutex
		failed []string
	)
	a.loader.WithErrorHandler(func(id string, err error) {
		a.logger.Error("annotation load failed", "id", id, "error", err)
		mu.Lock()
		failed = append(failed, id)
		mu.Unlock()
	})

	start := time.Now()
	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = model.NormalizeID(id)
		if requested[id] {
			continue
		}
		requested[id] = true
		if _, err := a.coord.ToggleLoad(id); err != nil {
			return err
		}
	}
	a.loader.Wait()
	a.coord.Wait()

	for _, id := range a.coord.LoadedIDs() {
		st, _ := a.coord.State(id)
		d, _ := a.renderer.Drawn(id)
		mark := ""
		if st.Cached {
			mark = "  cached"
		}
		fmt.Fprintf(a.out, "%-26s  %6d elements  %8s points%s\n",
			id, d.Elements, humanize.Comma(int64(d.Points)), mark)
	}
	fmt.Fprintf(a.out, "\nloaded %d of %d in %s\n", len(a.coord.LoadedIDs()), len(requested), time.Since(start).Round(time.Millisecond))

	// Error handlers have all run once the loader is idle.
	if len(failed) > 0 {
		return fmt.Errorf("failed to load %d annotation(s): %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

// CacheStats prints entry count and hit counters.
func CacheStats(ctx context.Context, opts Options) error {
	a, cleanup, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := a.cache.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache stats: %w", err)
	}
	fmt.Fprintf(a.out, "backend:  %s\n", a.settings.Cache.Backend)
	fmt.Fprintf(a.out, "entries:  %d\n", stats.Size)
	fmt.Fprintf(a.out, "hits:     %d\n", stats.Hits)
	fmt.Fprintf(a.out, "misses:   %d\n", stats.Misses)
	fmt.Fprintf(a.out, "hit rate: %.1f%%\n", stats.HitRate*100)
	return nil
}

// CacheUsage prints persistent storage usage when the backend reports it.
func CacheUsage(ctx context.Context, opts Options) error {
	a, cleanup, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	reporter, ok := a.cache.(storage.QuotaReporter)
	if !ok {
		fmt.Fprintf(a.out, "usage not available for the active cache backend\n")
		return nil
	}
	usage, err := reporter.Estimate(ctx)
	if err != nil {
		return fmt.Errorf("failed to estimate usage: %w", err)
	}
	fmt.Fprintln(a.out, storage.FormatUsage(usage))
	fmt.Fprintf(a.out, "%s remaining\n", humanize.Bytes(uint64(usage.Remaining())))
	return nil
}

// CacheGrow asks the persistent backend for at least size bytes, e.g. "64MB".
func CacheGrow(ctx context.Context, size string, opts Options) error {
	bytes, err := humanize.ParseBytes(size)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", size, err)
	}

	a, cleanup, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	reporter, ok := a.cache.(storage.QuotaReporter)
	if !ok {
		return fmt.Errorf("the active cache backend does not support allocation requests")
	}
	granted, err := reporter.RequestPersistentAllocation(ctx, int64(bytes))
	if err != nil {
		return fmt.Errorf("failed to request allocation: %w", err)
	}
	if !granted {
		fmt.Fprintf(a.out, "allocation of %s not granted\n", humanize.Bytes(bytes))
		return nil
	}
	fmt.Fprintf(a.out, "allocation of %s granted\n", humanize.Bytes(bytes))
	return nil
}

// CacheClear removes every cached annotation.
func CacheClear(ctx context.Context, opts Options) error {
	a, cleanup, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	fmt.Fprintln(a.out, "cache cleared")
	return nil
}

// CacheBypass drops one annotation from the cache so the next load fetches
// it from the archive.
func CacheBypass(ctx context.Context, id string, opts Options) error {
	a, cleanup, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	id = model.NormalizeID(id)
	if err := a.coord.BypassCache(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "removed %s from cache\n", id)
	return nil
}

func describeVersion(h model.AnnotationHeader) string {
	var parts []string
	if h.Version != nil {
		parts = append(parts, fmt.Sprintf("v%d", *h.Version))
	}
	if h.Updated != "" {
		if t, err := time.Parse(time.RFC3339, h.Updated); err == nil {
			parts = append(parts, "updated "+humanize.Time(t))
		} else {
			parts = append(parts, "updated "+h.Updated)
		}
	}
	return strings.Join(parts, ", ")
}

// truncateString truncates a string to maxLen runes, adding "..." if truncated.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
