package loader

import (
	"testing"

	"github.com/richinex/annolayer/model"
)

func TestLogRenderer(t *testing.T) {
	r := NewLogRenderer(quietLogger())

	var readied []string
	r.Draw("a1", []model.Element{rect("r1"), polyline("p1", 5)}, Style{Opacity: 1, Visible: true}, func(id string) {
		readied = append(readied, id)
	})
	if len(readied) != 1 || readied[0] != "a1" {
		t.Errorf("expected ready callback for a1, got %v", readied)
	}

	d, ok := r.Drawn("a1")
	if !ok {
		t.Fatal("expected a1 to be drawn")
	}
	if d.Elements != 2 || d.Points != 9 {
		t.Errorf("expected 2 elements with 9 points, got %+v", d)
	}

	r.Restyle("a1", Style{Opacity: 0.5, Visible: true})
	if d, _ := r.Drawn("a1"); d.Style.Opacity != 0.5 {
		t.Errorf("expected restyled opacity 0.5, got %v", d.Style.Opacity)
	}

	// Restyling something not drawn is ignored.
	r.Restyle("b2", Style{Opacity: 0.5, Visible: true})
	if _, ok := r.Drawn("b2"); ok {
		t.Error("restyle must not create a drawing")
	}

	r.Remove("a1")
	if _, ok := r.Drawn("a1"); ok {
		t.Error("expected a1 removed")
	}
}
