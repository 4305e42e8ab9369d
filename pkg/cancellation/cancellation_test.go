package cancellation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCancelIsIdempotent(t *testing.T) {
	r := New()
	tok := r.Register("exec-1")

	tok.Cancel("operator request")
	tok.Cancel("a different reason")

	tripped, reason := tok.Cancelled()
	assert.True(t, tripped)
	assert.Equal(t, "operator request", reason)
}

func TestConcurrentCancelTripsExactlyOnce(t *testing.T) {
	r := New()
	tok := r.Register("exec-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Cancel("race")
		}()
	}
	wg.Wait()

	tripped, _ := tok.Cancelled()
	assert.True(t, tripped)
}

func TestDoneClosesOnCancel(t *testing.T) {
	r := New()
	tok := r.Register("exec-1")

	select {
	case <-tok.Done():
		t.Fatal("token should not be done before Cancel")
	default:
	}

	tok.Cancel("timeout")

	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel did not close after Cancel")
	}
}

func TestContextCancelledWhenTokenTrips(t *testing.T) {
	r := New()
	tok := r.Register("exec-1")

	ctx, cancel := tok.Context(context.Background())
	defer cancel()

	tok.Cancel("abort")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context was not cancelled")
	}
}

func TestRegistryCancelRegistersIfAbsent(t *testing.T) {
	r := New()
	r.Cancel("exec-never-registered", "pre-emptive cancel")

	tok := r.Register("exec-never-registered")
	tripped, reason := tok.Cancelled()
	assert.True(t, tripped)
	assert.Equal(t, "pre-emptive cancel", reason)
}

func TestForgetDropsToken(t *testing.T) {
	r := New()
	tok1 := r.Register("exec-1")
	r.Forget("exec-1")
	tok2 := r.Register("exec-1")
	assert.NotSame(t, tok1, tok2)
}
