package detector

import (
	"image"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pulsemeter/internal/settings"
)

// Notification is delivered to every observer once per frame. Invalid
// settings produce the zero notification apart from Time: no image, fill 0,
// not triggered, fps 0. Image is shared by all observers and is read-only.
type Notification struct {
	Time      time.Time
	Valid     bool
	Image     *image.Gray
	Fill      int
	Triggered bool
	FPS       float64
	Window    image.Rectangle
	Settings  settings.Snapshot
}

// Observer receives per-frame notifications on the frame goroutine. OnFrame
// must return quickly. It may unregister its own observer.
type Observer interface {
	OnFrame(Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Notification)

func (f ObserverFunc) OnFrame(n Notification) { f(n) }

type entry struct {
	id  string
	obs Observer

	mu      sync.Mutex
	removed bool
}

// Registry is the set of registered observers. Register and Unregister may be
// called from any goroutine, including while a notification is in flight.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds obs and returns its id.
func (r *Registry) Register(obs Observer) string {
	e := &entry{id: uuid.NewString(), obs: obs}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return e.id
}

// Unregister removes the observer with the given id. Once it returns no new
// call to the observer starts; a call already in progress is not waited for.
// It reports whether the id was registered.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	i := slices.IndexFunc(r.entries, func(e *entry) bool { return e.id == id })
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	e := r.entries[i]
	r.entries = slices.Delete(r.entries, i, i+1)
	r.mu.Unlock()

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	return true
}

// Len returns the number of registered observers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Notify calls every observer registered at the time of the call, once each.
func (r *Registry) Notify(n Notification) {
	r.mu.RLock()
	entries := slices.Clone(r.entries)
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		removed := e.removed
		e.mu.Unlock()
		if !removed {
			e.obs.OnFrame(n)
		}
	}
}

// ChanObserver buffers notifications in a channel. When the reader falls
// behind, new notifications are dropped rather than stalling the frame path.
type ChanObserver struct {
	ch      chan Notification
	dropped uint64
	mu      sync.Mutex
}

// NewChanObserver returns an observer with the given buffer size.
func NewChanObserver(size int) *ChanObserver {
	return &ChanObserver{ch: make(chan Notification, size)}
}

// C returns the receive side of the buffer.
func (c *ChanObserver) C() <-chan Notification { return c.ch }

// Dropped returns how many notifications did not fit the buffer.
func (c *ChanObserver) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// OnFrame implements Observer.
func (c *ChanObserver) OnFrame(n Notification) {
	select {
	case c.ch <- n:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}
