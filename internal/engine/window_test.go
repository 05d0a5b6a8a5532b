package engine

import (
	"testing"
	"time"
)

func TestWindowPruneKeepsBoundaryPoint(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0).UTC()
	var window Window
	window.Add(base, 2, "")
	window.Add(base.Add(time.Minute), 1, "")

	if got := window.Prune(base.Add(240*time.Second), 240*time.Second); got != 3 {
		t.Fatalf("expected point exactly at cutoff to survive, got %d", got)
	}
	if got := window.Prune(base.Add(241*time.Second), 240*time.Second); got != 1 {
		t.Fatalf("expected 1 point after cutoff passes, got %d", got)
	}
	if got := window.Prune(base.Add(time.Hour), 240*time.Second); got != 0 {
		t.Fatalf("expected empty window, got %d", got)
	}
}

func TestWindowAddOutOfOrderStaysSorted(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0).UTC()
	var window Window
	window.Add(base.Add(10*time.Second), 1, "b")
	window.Add(base, 1, "a")
	window.Add(base.Add(5*time.Second), 1, "c")

	points := window.Points()
	for i := 1; i < len(points); i++ {
		if points[i].At.Before(points[i-1].At) {
			t.Fatalf("points out of order: %+v", points)
		}
	}
	if newest := points[len(points)-1].At; !newest.Equal(base.Add(10*time.Second)) {
		t.Fatalf("unexpected newest %v", newest)
	}
}

func TestWindowRemoveToken(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0).UTC()
	var window Window
	window.Add(base, 1, "keep")
	window.Add(base, 1, "drop")

	if removed := window.RemoveToken("drop"); removed != 1 {
		t.Fatalf("expected 1 removed point, got %d", removed)
	}
	if removed := window.RemoveToken("drop"); removed != 0 {
		t.Fatalf("expected idempotent remove, got %d", removed)
	}
	if window.Len() != 1 || window.Points()[0].Token != "keep" {
		t.Fatalf("unexpected remaining points %+v", window.Points())
	}
}
