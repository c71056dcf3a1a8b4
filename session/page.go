package session

import "sync"

// Event is a page lifecycle signal.
type Event int

const (
	// EventHidden is delivered when the page becomes hidden.
	EventHidden Event = iota + 1
	// EventVisible is delivered when the page becomes visible again.
	EventVisible
	// EventFocus is delivered when the page gains focus.
	EventFocus
	// EventBlur is delivered when the page loses focus.
	EventBlur
	// EventBeforeUnload is delivered when the page is about to unload and may
	// still ask the visitor to confirm.
	EventBeforeUnload
	// EventUnload is delivered when the page is being torn down.
	EventUnload
)

func (e Event) String() string {
	switch e {
	case EventHidden:
		return "hidden"
	case EventVisible:
		return "visible"
	case EventFocus:
		return "focus"
	case EventBlur:
		return "blur"
	case EventBeforeUnload:
		return "beforeunload"
	case EventUnload:
		return "unload"
	}
	return "unknown"
}

// Listener handles a page event. Returning true from an EventBeforeUnload
// handler asks the host to show a leave confirmation; the return value is
// ignored for other events.
type Listener func(Event) bool

// EventSource is the page surface the session components bind to.
type EventSource interface {
	Subscribe(Listener) (unsubscribe func())
	Visible() bool
}

// Page is an in-process EventSource. Hosts translate their own signals
// (browser bridge, OS signals, UI toolkit) into Dispatch calls.
type Page struct {
	mu        sync.Mutex
	hidden    bool
	next      int
	listeners map[int]Listener
	order     []int
}

// NewPage returns a visible page with no listeners.
func NewPage() *Page {
	return &Page{listeners: make(map[int]Listener)}
}

// Visible reports the last dispatched visibility.
func (p *Page) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.hidden
}

// Subscribe registers l. The returned function detaches it and is idempotent.
func (p *Page) Subscribe(l Listener) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.listeners[id] = l
	p.order = append(p.order, id)
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.listeners, id)
			for i, candidate := range p.order {
				if candidate == id {
					p.order = append(p.order[:i], p.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Dispatch delivers ev to every listener registered at the time of the call.
// It reports whether any listener requested a leave confirmation.
func (p *Page) Dispatch(ev Event) (prompt bool) {
	p.mu.Lock()
	switch ev {
	case EventHidden:
		p.hidden = true
	case EventVisible:
		p.hidden = false
	}
	listeners := make([]Listener, 0, len(p.order))
	for _, id := range p.order {
		listeners = append(listeners, p.listeners[id])
	}
	p.mu.Unlock()

	for _, l := range listeners {
		if l(ev) && ev == EventBeforeUnload {
			prompt = true
		}
	}
	return prompt
}
