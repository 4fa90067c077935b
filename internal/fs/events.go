package fs

import (
	"sync"

	"github.com/mfedel/safefs/internal/storage"
	log "github.com/sirupsen/logrus"
)

const subBufferLen = 128

// hub fans node events out to watchers: one writer side fed by node
// mutations (and by the store's external event stream), many subscribers.
// Closing the hub terminates every subscriber; that is the close broadcast
// watchers use as their takeuntil boundary.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan storage.NodeEvent
	nextID int
	closed bool
	done   chan struct{}
}

func newHub() *hub {
	return &hub{
		subs: make(map[int]chan storage.NodeEvent),
		done: make(chan struct{}),
	}
}

func (h *hub) publish(ev storage.NodeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			log.WithFields(log.Fields{
				"sub": id,
				"obj": ev.ObjId,
			}).Warning("Dropping node event, subscriber too slow")
		}
	}
}

// subscribe returns a receive channel and an idempotent cancel. The channel
// is closed on cancel and on hub close.
func (h *hub) subscribe() (<-chan storage.NodeEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan storage.NodeEvent, subBufferLen)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
