package server

import (
	"testing"

	"github.com/gpupool/controller/internal/store"
)

func TestSeamFilterDropsReplayedCopyOnce(t *testing.T) {
	p := 40
	history := []store.Event{
		{Ts: 1, Type: store.EventInfo, Message: "queued"},
		{Ts: 2, Type: store.EventState, Message: "processing", Progress: &p},
	}
	f := newSeamFilter(history)

	// An event appended between subscribe and the history read arrives on
	// both paths; its live copy is dropped.
	seam := store.Event{Ts: 2, Type: store.EventState, Message: "processing", Progress: &p}
	if !f.replayed(seam) {
		t.Fatalf("seam duplicate not dropped")
	}
	// Only one copy is owed per replayed event.
	if f.replayed(seam) {
		t.Fatalf("second identical event dropped")
	}
}

func TestSeamFilterPassesFreshEvents(t *testing.T) {
	history := []store.Event{{Ts: 1, Type: store.EventInfo, Message: "queued"}}
	f := newSeamFilter(history)

	if f.replayed(store.Event{Ts: 3, Type: store.EventCompleted, Message: "completed"}) {
		t.Fatalf("fresh event dropped")
	}
	// Same timestamp and type with a different milestone is a different event.
	p := 5
	if f.replayed(store.Event{Ts: 1, Type: store.EventInfo, Message: "queued", Progress: &p}) {
		t.Fatalf("distinct event dropped")
	}
}
