package ui

import "sync"

// viewportAnchor lets pagination read and move the viewport offset from its own goroutine.
// Moves are picked up by the model on the next update.
type viewportAnchor struct {
	mu      sync.Mutex
	top     int
	pending bool
}

func (a *viewportAnchor) ScrollTop() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.top
}

func (a *viewportAnchor) SetScrollTop(v int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.top = v
	a.pending = true
}

// Every event is rendered as one line.
func (a *viewportAnchor) ItemHeight() int { return 1 }

func (a *viewportAnchor) sync(top int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.pending {
		a.top = top
	}
}

func (a *viewportAnchor) take() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.pending {
		return 0, false
	}
	a.pending = false
	return a.top, true
}
