package action

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopHandler(context.Context, json.RawMessage, *ScheduledAction) error { return nil }

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	r.Register("email:send", noopHandler,
		WithDescription("send one email"),
		WithTimeout(10*time.Second),
	)

	def, ok := r.Lookup("email:send")
	if !ok {
		t.Fatalf("expected handler to be registered")
	}
	if def.Name != "email:send" {
		t.Fatalf("unexpected name %q", def.Name)
	}
	if def.Description != "send one email" {
		t.Fatalf("unexpected description %q", def.Description)
	}
	if def.Timeout != 10*time.Second {
		t.Fatalf("unexpected timeout %v", def.Timeout)
	}
	if !r.IsRegistered("email:send") {
		t.Fatalf("IsRegistered should be true")
	}
	if r.IsRegistered("email:nope") {
		t.Fatalf("IsRegistered should be false for unknown name")
	}
	if _, ok := r.Lookup("email:nope"); ok {
		t.Fatalf("Lookup should miss for unknown name")
	}
}

func TestRegistryReRegisterOverwrites(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	r.Register("sync:entity", noopHandler, WithDescription("first"))
	r.Register("sync:entity", noopHandler, WithDescription("second"))

	def, ok := r.Lookup("sync:entity")
	if !ok {
		t.Fatalf("expected handler after re-register")
	}
	if def.Description != "second" {
		t.Fatalf("last writer should win, got %q", def.Description)
	}
	if got := len(r.List()); got != 1 {
		t.Fatalf("expected 1 entry, got %d", got)
	}
}

func TestRegistryListSortedAndClear(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register("b:two", noopHandler)
	r.Register("a:one", noopHandler)
	r.Register("c:three", noopHandler)

	want := []string{"a:one", "b:two", "c:three"}
	if got := r.List(); !reflect.DeepEqual(got, want) {
		t.Fatalf("List = %v, want %v", got, want)
	}

	r.Clear()
	if got := len(r.List()); got != 0 {
		t.Fatalf("expected empty registry after Clear, got %d entries", got)
	}
}
