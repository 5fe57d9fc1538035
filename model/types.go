// Package model provides domain types shared across packages.
package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Element types understood by the viewer.
const (
	ElementRectangle = "rectangle"
	ElementPolyline  = "polyline"
	ElementPoint     = "point"
	ElementArrow     = "arrow"
)

// AnnotationHeader is the lightweight metadata record returned by a bulk
// listing. Immutable once received; a later fetch supersedes it.
type AnnotationHeader struct {
	ID          string `json:"id"`
	ItemID      string `json:"item_id,omitempty"`
	Version     *int64 `json:"version,omitempty"`
	Created     string `json:"created,omitempty"`
	Updated     string `json:"updated,omitempty"`
	AccessLevel *int   `json:"access_level,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Element is one geometric primitive of an annotation document.
type Element struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	X         float64     `json:"x,omitempty"`
	Y         float64     `json:"y,omitempty"`
	Width     float64     `json:"width,omitempty"`
	Height    float64     `json:"height,omitempty"`
	Points    [][]float64 `json:"points,omitempty"`
	Closed    bool        `json:"closed,omitempty"`
	Label     string      `json:"label,omitempty"`
	LineColor string      `json:"line_color,omitempty"`
	FillColor string      `json:"fill_color,omitempty"`
	LineWidth float64     `json:"line_width,omitempty"`
}

// PointCount returns the number of vertices the renderer has to handle.
func (e Element) PointCount() int {
	switch e.Type {
	case ElementRectangle:
		return 4
	case ElementArrow:
		return 2
	case ElementPoint:
		return 1
	default:
		return len(e.Points)
	}
}

// AnnotationBody is the full geometric document for one annotation.
type AnnotationBody struct {
	ID       string           `json:"id"`
	Header   AnnotationHeader `json:"header"`
	Elements []Element        `json:"elements"`
	// Malformed counts elements dropped while decoding.
	Malformed int `json:"malformed,omitempty"`
}

// TotalPoints sums PointCount over all elements.
func (b AnnotationBody) TotalPoints() int {
	total := 0
	for _, e := range b.Elements {
		total += e.PointCount()
	}
	return total
}

// Clone returns a deep copy so callers cannot mutate stored data.
func (b *AnnotationBody) Clone() *AnnotationBody {
	if b == nil {
		return nil
	}
	out := *b
	out.Header = b.Header.clone()
	out.Elements = make([]Element, len(b.Elements))
	for i, e := range b.Elements {
		if e.Points != nil {
			pts := make([][]float64, len(e.Points))
			for j, p := range e.Points {
				pts[j] = append([]float64(nil), p...)
			}
			e.Points = pts
		}
		out.Elements[i] = e
	}
	return &out
}

func (h AnnotationHeader) clone() AnnotationHeader {
	if h.Version != nil {
		v := *h.Version
		h.Version = &v
	}
	if h.AccessLevel != nil {
		a := *h.AccessLevel
		h.AccessLevel = &a
	}
	return h
}

// RuntimeState is the per-annotation view state owned by the coordinator.
// Visible is always equal to Opacity > 0.
type RuntimeState struct {
	Loaded  bool    `json:"loaded"`
	Visible bool    `json:"visible"`
	Opacity float64 `json:"opacity"`
	Loading bool    `json:"loading"`
	Cached  bool    `json:"cached"`
}

// NormalizeID converts an identifier emitted by the server as either a number
// or a string into its canonical textual form. Cache keys, coordinator state
// and version hashes all use this form.
func NormalizeID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(id)
	case json.Number:
		return normalizeNumeric(id.String())
	case int:
		return strconv.Itoa(id)
	case int32:
		return strconv.FormatInt(int64(id), 10)
	case int64:
		return strconv.FormatInt(id, 10)
	case uint:
		return strconv.FormatUint(uint64(id), 10)
	case uint32:
		return strconv.FormatUint(uint64(id), 10)
	case uint64:
		return strconv.FormatUint(id, 10)
	case float32:
		return formatFloat(float64(id))
	case float64:
		return formatFloat(id)
	case interface{ String() string }:
		return strings.TrimSpace(id.String())
	default:
		return ""
	}
}

// normalizeNumeric renders a raw numeric literal the same way a decoded
// float64 of the same value would be rendered.
func normalizeNumeric(raw string) string {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return formatFloat(f)
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
