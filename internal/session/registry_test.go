package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/websoft9/webssh/internal/authpipe"
)

func registryMachine() *Machine {
	return New(testSettings(), authpipe.New(), newFakeEmitter(), nil, nil, nil, zerolog.Nop())
}

func TestRegistry_TouchKeepsSessionAlive(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())
	m := registryMachine()
	r.Register(m)

	if got := r.Len(); got != 1 {
		t.Fatalf("Len = %d", got)
	}

	// Fresh registration survives a sweep.
	if evicted := r.expired(time.Now()); len(evicted) != 0 {
		t.Fatalf("fresh session evicted: %v", evicted)
	}

	// Past the timeout it is collected, unless touched.
	future := time.Now().Add(2 * time.Minute)
	r.Touch(m.ID())
	if evicted := r.expired(future.Add(-90 * time.Second)); len(evicted) != 0 {
		t.Fatal("touched session evicted")
	}
	evicted := r.expired(future)
	if len(evicted) != 1 || evicted[0] != m {
		t.Fatalf("evicted = %v", evicted)
	}
	if r.Len() != 0 {
		t.Fatalf("Len after eviction = %d", r.Len())
	}
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(time.Minute, zerolog.Nop())
	m := registryMachine()
	r.Register(m)
	r.Unregister(m.ID())
	r.Unregister(m.ID())
	r.Touch(m.ID()) // unknown id, no-op
	if r.Len() != 0 {
		t.Fatalf("Len = %d", r.Len())
	}
}
