package txposix

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEventLog_AppendAndForward(t *testing.T) {
	var log EventLog
	log.Append(1, 10, 0)
	log.Append(2, 20, 1)

	var seen []Event
	if err := log.Forward(func(e Event) error {
		seen = append(seen, e)
		return nil
	}); err != nil {
		t.Fatalf("forward: %v", err)
	}

	want := []Event{{ModuleID: 1, Head: 10, Tail: 0}, {ModuleID: 2, Head: 20, Tail: 1}}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("unexpected event order (-want +got):\n%s", diff)
	}
}

func TestEventLog_BackwardIteratesInReverse(t *testing.T) {
	var log EventLog
	log.Append(1, 10, 0)
	log.Append(2, 20, 0)
	log.Append(3, 30, 0)

	var order []uint8
	log.Backward(func(e Event) error {
		order = append(order, e.ModuleID)
		return nil
	})

	want := []uint8{3, 2, 1}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Fatalf("unexpected backward order (-want +got):\n%s", diff)
	}
}

func TestEventLog_BackwardRunsEveryEntryDespiteErrors(t *testing.T) {
	var log EventLog
	log.Append(1, 0, 0)
	log.Append(2, 0, 0)
	log.Append(3, 0, 0)

	boom := errors.New("boom")
	visited := 0
	err := log.Backward(func(e Event) error {
		visited++
		if e.ModuleID == 2 {
			return boom
		}
		return nil
	})
	if visited != 3 {
		t.Fatalf("expected every event to be visited, got %d", visited)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected the first error encountered to be returned, got %v", err)
	}
}

func TestEventLog_ForwardStopsOnFirstError(t *testing.T) {
	var log EventLog
	log.Append(1, 0, 0)
	log.Append(2, 0, 0)

	boom := errors.New("boom")
	visited := 0
	err := log.Forward(func(e Event) error {
		visited++
		return boom
	})
	if visited != 1 {
		t.Fatalf("expected Forward to stop at the first error, visited %d", visited)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestEventLog_Reset(t *testing.T) {
	var log EventLog
	log.Append(1, 0, 0)
	log.Reset()
	if log.Len() != 0 {
		t.Fatalf("expected empty log after reset, got %d", log.Len())
	}
}
