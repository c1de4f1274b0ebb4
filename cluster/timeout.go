package cluster

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// timeoutObject is a wall-clock deadline registered with the wheel.
// OnTimeout runs on the wheel goroutine's dispatch path exactly once,
// unless the object is removed first.
type timeoutObject interface {
	TimeoutID() uuid.UUID
	EndTime() int64 // unix millis; deadlines saturate at max int64
	OnTimeout()
}

type timeoutSlot struct {
	obj     timeoutObject
	end     int64
	index   int
	removed bool
}

type timeoutHeap []*timeoutSlot

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].end < h[j].end }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timeoutHeap) Push(x any)         { s := x.(*timeoutSlot); s.index = len(*h); *h = append(*h, s) }
func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

// timeoutWheel schedules callbacks at wall-clock deadlines. A single
// goroutine sleeps until the earliest deadline; Add re-arms it.
// Removed slots stay in the heap and are discarded lazily at pop time.
type timeoutWheel struct {
	mu   sync.Mutex
	h    timeoutHeap
	byID map[uuid.UUID]*timeoutSlot
	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

func newTimeoutWheel() *timeoutWheel {
	w := &timeoutWheel{
		byID: make(map[uuid.UUID]*timeoutSlot),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go w.run()
	return w
}

// Add registers obj; a second Add with the same timeout ID replaces the
// previous registration.
func (w *timeoutWheel) Add(obj timeoutObject) {
	w.mu.Lock()
	if old, ok := w.byID[obj.TimeoutID()]; ok {
		old.removed = true
	}
	s := &timeoutSlot{obj: obj, end: obj.EndTime()}
	heap.Push(&w.h, s)
	w.byID[obj.TimeoutID()] = s
	w.mu.Unlock()
	w.kick()
}

// Remove cancels the registration for id; the callback will not fire.
func (w *timeoutWheel) Remove(id uuid.UUID) bool {
	w.mu.Lock()
	s, ok := w.byID[id]
	if ok {
		s.removed = true
		delete(w.byID, id)
	}
	w.mu.Unlock()
	return ok
}

func (w *timeoutWheel) Stop() {
	w.once.Do(func() { close(w.stop) })
}

func (w *timeoutWheel) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *timeoutWheel) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var due []timeoutObject
		now := time.Now().UnixMilli()

		w.mu.Lock()
		for w.h.Len() > 0 {
			s := w.h[0]
			if s.removed {
				heap.Pop(&w.h)
				continue
			}
			if s.end > now {
				break
			}
			heap.Pop(&w.h)
			delete(w.byID, s.obj.TimeoutID())
			due = append(due, s.obj)
		}
		var next int64 = -1
		if w.h.Len() > 0 {
			next = w.h[0].end
		}
		w.mu.Unlock()

		for _, obj := range due {
			obj.OnTimeout()
		}

		d := time.Hour
		if next >= 0 {
			if wait := next - time.Now().UnixMilli(); wait > 0 {
				d = time.Duration(wait) * time.Millisecond
			} else {
				d = time.Millisecond
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)

		select {
		case <-timer.C:
		case <-w.wake:
		case <-w.stop:
			return
		}
	}
}
