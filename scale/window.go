package scale

import (
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Window is a sliding window over recent weight samples used to decide
// whether the reading has settled.
type Window struct {
	mu   sync.Mutex
	size int
	tol  float64
	buf  []float64
}

func NewWindow(size int, tolerance float64) *Window {
	return &Window{size: size, tol: tolerance, buf: make([]float64, 0, size)}
}

func (w *Window) Push(grams float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == w.size {
		copy(w.buf, w.buf[1:])
		w.buf[len(w.buf)-1] = grams
		return
	}
	w.buf = append(w.buf, grams)
}

// Stable reports whether the window is full and its spread is within the
// tolerance band.
func (w *Window) Stable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) < w.size {
		return false
	}
	return floats.Max(w.buf)-floats.Min(w.buf) <= w.tol
}

func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = w.buf[:0]
}
