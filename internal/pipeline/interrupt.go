package pipeline

import "sync"

type interruptKind int

const (
	interruptNone interruptKind = iota
	interruptPause
	interruptCancel
)

// interrupt is the per-execution pause/cancel token. Cancel outranks pause.
type interrupt struct {
	mu   sync.Mutex
	kind interruptKind
	done chan struct{}
}

func newInterrupt() *interrupt {
	return &interrupt{done: make(chan struct{})}
}

func (i *interrupt) request(kind interruptKind) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if kind <= i.kind {
		return
	}
	if i.kind == interruptNone {
		close(i.done)
	}
	i.kind = kind
}

func (i *interrupt) load() interruptKind {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.kind
}
