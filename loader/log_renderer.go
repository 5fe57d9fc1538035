package loader

import (
	"log/slog"
	"sync"

	"github.com/richinex/annolayer/model"
)

// Drawn summarizes what a LogRenderer currently shows for one annotation.
type Drawn struct {
	Elements int
	Points   int
	Style    Style
}

// LogRenderer is a headless Renderer that logs draw calls and reports ready
// immediately. Used by the CLI.
type LogRenderer struct {
	mu     sync.Mutex
	drawn  map[string]Drawn
	logger *slog.Logger
}

// NewLogRenderer creates a LogRenderer.
func NewLogRenderer(logger *slog.Logger) *LogRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRenderer{drawn: make(map[string]Drawn), logger: logger}
}

func (r *LogRenderer) Draw(id string, elements []model.Element, style Style, ready func(id string)) {
	points := 0
	for _, e := range elements {
		points += e.PointCount()
	}

	r.mu.Lock()
	r.drawn[id] = Drawn{Elements: len(elements), Points: points, Style: style}
	r.mu.Unlock()

	r.logger.Info("draw", "id", id, "elements", len(elements), "points", points,
		"opacity", style.Opacity, "visible", style.Visible)
	if ready != nil {
		ready(id)
	}
}

func (r *LogRenderer) Restyle(id string, style Style) {
	r.mu.Lock()
	d, ok := r.drawn[id]
	if ok {
		d.Style = style
		r.drawn[id] = d
	}
	r.mu.Unlock()

	r.logger.Info("restyle", "id", id, "opacity", style.Opacity, "visible", style.Visible)
}

func (r *LogRenderer) Remove(id string) {
	r.mu.Lock()
	delete(r.drawn, id)
	r.mu.Unlock()

	r.logger.Info("remove", "id", id)
}

// Drawn returns what is currently drawn for id.
func (r *LogRenderer) Drawn(id string) (Drawn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drawn[id]
	return d, ok
}

var _ Renderer = (*LogRenderer)(nil)
