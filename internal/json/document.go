// Package json decodes annotation documents as emitted by the image archive.
//
// Decoding is tolerant: the archive stores user-drawn geometry and some
// elements arrive without the fields the renderer needs. Those elements are
// skipped and counted instead of failing the whole document.
package json

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/richinex/annolayer/model"
)

// ErrInvalidDocument is returned when the payload is not a JSON document of
// the expected shape.
var ErrInvalidDocument = errors.New("invalid annotation document")

// DecodeHeader decodes a single annotation metadata record.
func DecodeHeader(data []byte) (model.AnnotationHeader, error) {
	if !gjson.ValidBytes(data) {
		return model.AnnotationHeader{}, fmt.Errorf("%w: not valid JSON", ErrInvalidDocument)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return model.AnnotationHeader{}, fmt.Errorf("%w: expected object", ErrInvalidDocument)
	}
	return headerFrom(doc), nil
}

// DecodeHeaders decodes a page of annotation metadata records.
// Records without an identifier are dropped.
func DecodeHeaders(data []byte) ([]model.AnnotationHeader, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidDocument)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsArray() {
		return nil, fmt.Errorf("%w: expected array of headers", ErrInvalidDocument)
	}

	headers := []model.AnnotationHeader{} // Start with empty slice, not nil
	doc.ForEach(func(_, value gjson.Result) bool {
		h := headerFrom(value)
		if h.ID != "" {
			headers = append(headers, h)
		}
		return true
	})
	return headers, nil
}

// CountRecords returns the number of entries in a JSON array, valid or not.
func CountRecords(data []byte) int {
	return int(gjson.GetBytes(data, "#").Int())
}

// DecodeBody decodes a full annotation document including its elements.
func DecodeBody(data []byte) (model.AnnotationBody, error) {
	if !gjson.ValidBytes(data) {
		return model.AnnotationBody{}, fmt.Errorf("%w: not valid JSON", ErrInvalidDocument)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return model.AnnotationBody{}, fmt.Errorf("%w: expected object", ErrInvalidDocument)
	}

	header := headerFrom(doc)
	if header.ID == "" {
		return model.AnnotationBody{}, fmt.Errorf("%w: missing _id", ErrInvalidDocument)
	}

	body := model.AnnotationBody{
		ID:       header.ID,
		Header:   header,
		Elements: []model.Element{},
	}
	doc.Get("annotation.elements").ForEach(func(_, value gjson.Result) bool {
		elem, ok := decodeElement(value)
		if !ok {
			body.Malformed++
			return true
		}
		body.Elements = append(body.Elements, elem)
		return true
	})
	return body, nil
}

func headerFrom(doc gjson.Result) model.AnnotationHeader {
	h := model.AnnotationHeader{
		ID:          idFrom(doc.Get("_id")),
		ItemID:      idFrom(doc.Get("itemId")),
		Created:     doc.Get("created").String(),
		Updated:     doc.Get("updated").String(),
		Name:        doc.Get("annotation.name").String(),
		Description: doc.Get("annotation.description").String(),
	}
	if h.ID == "" {
		h.ID = idFrom(doc.Get("id"))
	}
	if v := doc.Get("_version"); v.Type == gjson.Number {
		version := v.Int()
		h.Version = &version
	}
	if a := doc.Get("_accessLevel"); a.Type == gjson.Number {
		level := int(a.Int())
		h.AccessLevel = &level
	}
	return h
}

func idFrom(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return model.NormalizeID(r.Str)
	case gjson.Number:
		return model.NormalizeID(json.Number(r.Raw))
	default:
		return ""
	}
}

func decodeElement(r gjson.Result) (model.Element, bool) {
	if !r.IsObject() {
		return model.Element{}, false
	}

	elem := model.Element{
		Type:      r.Get("type").String(),
		ID:        idFrom(r.Get("id")),
		Label:     r.Get("label.value").String(),
		LineColor: r.Get("lineColor").String(),
		FillColor: r.Get("fillColor").String(),
		LineWidth: r.Get("lineWidth").Float(),
	}

	switch elem.Type {
	case model.ElementRectangle:
		return decodeRectangle(r, elem)
	case model.ElementPolyline:
		elem.Points = decodePoints(r.Get("points"))
		elem.Closed = r.Get("closed").Bool()
		return elem, len(elem.Points) >= 2
	case model.ElementArrow:
		elem.Points = decodePoints(r.Get("points"))
		return elem, len(elem.Points) == 2
	case model.ElementPoint:
		center, ok := decodePoint(r.Get("center"))
		if !ok {
			return model.Element{}, false
		}
		elem.X, elem.Y = center[0], center[1]
		elem.Points = [][]float64{center}
		return elem, true
	default:
		return model.Element{}, false
	}
}

// decodeRectangle accepts either a top-left x/y pair or the archive's
// center form and stores the top-left corner.
func decodeRectangle(r gjson.Result, elem model.Element) (model.Element, bool) {
	w, h := r.Get("width"), r.Get("height")
	if w.Type != gjson.Number || h.Type != gjson.Number {
		return model.Element{}, false
	}
	elem.Width, elem.Height = w.Float(), h.Float()
	if elem.Width < 0 || elem.Height < 0 {
		return model.Element{}, false
	}

	if center, ok := decodePoint(r.Get("center")); ok {
		elem.X = center[0] - elem.Width/2
		elem.Y = center[1] - elem.Height/2
		return elem, true
	}
	x, y := r.Get("x"), r.Get("y")
	if x.Type != gjson.Number || y.Type != gjson.Number {
		return model.Element{}, false
	}
	elem.X, elem.Y = x.Float(), y.Float()
	return elem, true
}

// decodePoints keeps only well-formed vertices.
func decodePoints(r gjson.Result) [][]float64 {
	if !r.IsArray() {
		return nil
	}
	var points [][]float64
	r.ForEach(func(_, value gjson.Result) bool {
		if p, ok := decodePoint(value); ok {
			points = append(points, p)
		}
		return true
	})
	return points
}

func decodePoint(r gjson.Result) ([]float64, bool) {
	if !r.IsArray() {
		return nil, false
	}
	coords := r.Array()
	if len(coords) < 2 {
		return nil, false
	}
	p := make([]float64, 0, len(coords))
	for _, c := range coords {
		if c.Type != gjson.Number {
			return nil, false
		}
		p = append(p, c.Float())
	}
	return p, true
}
