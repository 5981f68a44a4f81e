package usbmux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/liuma-go/provider/internal/model"
)

type fakeLister struct {
	mu    sync.Mutex
	polls [][]string
	idx   int
}

func (f *fakeLister) ListUDIDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.polls) {
		return f.polls[len(f.polls)-1], nil
	}
	out := f.polls[f.idx]
	f.idx++
	return out, nil
}

func TestDiffAddAndRemove(t *testing.T) {
	events := diff([]string{"a", "b"}, []string{"b", "c"})

	var present, absent []string
	for _, e := range events {
		if e.Present {
			present = append(present, e.Serial)
		} else {
			absent = append(absent, e.Serial)
		}
	}
	if len(absent) != 1 || absent[0] != "a" {
		t.Fatalf("expected 'a' to be reported absent, got %v", absent)
	}
	if len(present) != 1 || present[0] != "c" {
		t.Fatalf("expected 'c' to be reported present, got %v", present)
	}
}

func TestDiffNoChange(t *testing.T) {
	if events := diff([]string{"a"}, []string{"a"}); len(events) != 0 {
		t.Fatalf("expected no events for unchanged list, got %+v", events)
	}
}

func TestTrackerEmitsEventsAcrossPolls(t *testing.T) {
	lister := &fakeLister{polls: [][]string{
		{"udid-1"},
		{"udid-1", "udid-2"},
		{"udid-2"},
	}}
	tr := NewTracker(lister, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	events := make(chan model.DeviceEvent, 16)
	go tr.Run(ctx, events)

	var got []model.DeviceEvent
	timeout := time.After(250 * time.Millisecond)
	for len(got) < 3 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %+v so far", got)
		}
	}

	if got[0].Serial != "udid-1" || !got[0].Present {
		t.Fatalf("first event = %+v, want present udid-1", got[0])
	}
}
