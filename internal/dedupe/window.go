// ABOUTME: Size-bounded TTL window of recently dispatched message keys.
// ABOUTME: Seen marks and checks in one step; a janitor prunes expired keys.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when NewWindow gets zero values.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 100000
	janitorInterval   = time.Minute
)

type mark struct {
	key  string
	at   time.Time
	elem *list.Element
}

// Window remembers keys for a TTL. The list holds marks oldest first, so
// both eviction and pruning work from the front.
type Window struct {
	mu         sync.Mutex
	marks      map[string]*mark
	order      *list.List
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewWindow creates a window and starts its janitor.
func NewWindow(ttl time.Duration, maxEntries int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	w := &Window{
		marks:      make(map[string]*mark),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	go w.janitor()
	return w
}

// Key builds the window key of a message.
func Key(botID, messageID string) string {
	return botID + "/" + messageID
}

// Seen reports whether key was marked within the TTL. An unseen or expired
// key is marked and false is returned.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if m, ok := w.marks[key]; ok {
		if now.Sub(m.at) < w.ttl {
			return true
		}
		m.at = now
		w.order.MoveToBack(m.elem)
		return false
	}

	for len(w.marks) >= w.maxEntries {
		w.dropFrontLocked()
	}
	m := &mark{key: key, at: now}
	m.elem = w.order.PushBack(m)
	w.marks[key] = m
	return false
}

// Forget removes key so it can be dispatched again.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m, ok := w.marks[key]; ok {
		w.order.Remove(m.elem)
		delete(w.marks, key)
	}
}

// Len returns the number of remembered keys, expired ones included until the
// next prune.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.marks)
}

func (w *Window) dropFrontLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	m, _ := front.Value.(*mark)
	w.order.Remove(front)
	delete(w.marks, m.key)
}

// prune drops expired marks from the front of the list.
func (w *Window) prune() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		m, _ := front.Value.(*mark)
		if now.Sub(m.at) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.marks, m.key)
	}
}

func (w *Window) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.prune()
		case <-w.done:
			return
		}
	}
}

// Close stops the janitor. Safe to call more than once.
func (w *Window) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}
