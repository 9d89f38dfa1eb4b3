package security

import (
	"context"
	"errors"
	"sync"

	"github.com/giantswarm/hardening/internal/testutil"
)

func newFakeClock() *testutil.MockTime {
	return testutil.NewMockTime(testutil.Epoch)
}

// collectingRecorder stores recorded events
type collectingRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *collectingRecorder) Record(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *collectingRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// failingReader simulates an unavailable random source
type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy source unavailable")
}
