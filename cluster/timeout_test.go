package cluster

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type testTimeout struct {
	id    uuid.UUID
	end   int64
	fired atomic.Int32
	ch    chan struct{}
}

func newTestTimeout(after time.Duration) *testTimeout {
	return &testTimeout{
		id:  uuid.New(),
		end: time.Now().Add(after).UnixMilli(),
		ch:  make(chan struct{}),
	}
}

func (o *testTimeout) TimeoutID() uuid.UUID { return o.id }
func (o *testTimeout) EndTime() int64       { return o.end }
func (o *testTimeout) OnTimeout() {
	if o.fired.Add(1) == 1 {
		close(o.ch)
	}
}

func TestTimeoutWheelFires(t *testing.T) {
	w := newTimeoutWheel()
	defer w.Stop()

	o := newTestTimeout(30 * time.Millisecond)
	w.Add(o)

	select {
	case <-o.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout object never fired")
	}
	if n := o.fired.Load(); n != 1 {
		t.Fatalf("fired %d times", n)
	}
}

func TestTimeoutWheelRemoveCancels(t *testing.T) {
	w := newTimeoutWheel()
	defer w.Stop()

	o := newTestTimeout(50 * time.Millisecond)
	w.Add(o)
	if !w.Remove(o.TimeoutID()) {
		t.Fatalf("Remove of registered object failed")
	}
	if w.Remove(o.TimeoutID()) {
		t.Fatalf("second Remove succeeded")
	}

	time.Sleep(150 * time.Millisecond)
	if o.fired.Load() != 0 {
		t.Fatalf("removed object fired")
	}
}

func TestTimeoutWheelOrdersDeadlines(t *testing.T) {
	w := newTimeoutWheel()
	defer w.Stop()

	late := newTestTimeout(200 * time.Millisecond)
	early := newTestTimeout(20 * time.Millisecond)
	w.Add(late)
	w.Add(early)

	select {
	case <-early.ch:
	case <-late.ch:
		t.Fatalf("later deadline fired first")
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing fired")
	}

	select {
	case <-late.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("late deadline never fired")
	}
}
