package engine

import (
	"sort"
	"time"
)

// WindowPoint stores one contribution in a sliding window.
// Params: contribution time and optional owner token.
// Returns: one window sample.
type WindowPoint struct {
	At    time.Time
	Token string
}

// Window is a time-ordered multiset of points bounded by width at query time.
// It is not safe for concurrent use; owners serialize access.
type Window struct {
	points []WindowPoint
}

// Add inserts hits points at one timestamp.
// Params: point time, point count, and optional token shared by all points.
// Returns: none.
func (w *Window) Add(at time.Time, hits int, token string) {
	if hits <= 0 {
		return
	}
	index := len(w.points)
	if index > 0 && at.Before(w.points[index-1].At) {
		index = sort.Search(len(w.points), func(i int) bool {
			return w.points[i].At.After(at)
		})
	}
	inserted := make([]WindowPoint, hits)
	for i := range inserted {
		inserted[i] = WindowPoint{At: at, Token: token}
	}
	w.points = append(w.points[:index], append(inserted, w.points[index:]...)...)
}

// Prune removes points strictly older than now-width.
// Params: current time and window width (<=0 empties the window).
// Returns: remaining point count.
func (w *Window) Prune(now time.Time, width time.Duration) int {
	if width <= 0 {
		w.points = nil
		return 0
	}
	cutoff := now.Add(-width)
	drop := 0
	for ; drop < len(w.points); drop++ {
		if !w.points[drop].At.Before(cutoff) {
			break
		}
	}
	if drop > 0 {
		w.points = append(w.points[:0], w.points[drop:]...)
	}
	return len(w.points)
}

// RemoveToken deletes all points carrying token.
// Params: token to remove (empty token matches nothing).
// Returns: number of removed points.
func (w *Window) RemoveToken(token string) int {
	if token == "" {
		return 0
	}
	kept := w.points[:0]
	removed := 0
	for _, point := range w.points {
		if point.Token == token {
			removed++
			continue
		}
		kept = append(kept, point)
	}
	w.points = kept
	return removed
}

// Len returns current point count without pruning.
func (w *Window) Len() int {
	return len(w.points)
}

// Points returns a copy of window points.
// Params: none.
// Returns: ordered point slice copy.
func (w *Window) Points() []WindowPoint {
	return append([]WindowPoint(nil), w.points...)
}
