package txposix

import "testing"

func TestFDTable_AdoptAndLookup(t *testing.T) {
	tab := NewFDTable()

	version, err := tab.Adopt(3, 9, 0)
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	entry, err := tab.Lookup(3)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.ofdIndex != 9 || entry.version != version {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestFDTable_RefRejectsStaleVersion(t *testing.T) {
	tab := NewFDTable()
	version, _ := tab.Adopt(3, 9, 0)

	if err := tab.Ref(3, version); err != nil {
		t.Fatalf("ref with current version should succeed: %v", err)
	}
	tab.ReleaseClosed(3)
	tab.Adopt(3, 10, 0)

	if err := tab.Ref(3, version); err == nil {
		t.Fatalf("ref with a stale version should fail after the fd was recycled")
	}
}

func TestFDTable_MarkClosingThenReleaseClosed(t *testing.T) {
	tab := NewFDTable()
	version, _ := tab.Adopt(3, 9, 0)

	if err := tab.MarkClosing(3, version); err != nil {
		t.Fatalf("mark closing: %v", err)
	}
	tab.ReleaseClosed(3)

	if _, err := tab.Lookup(3); err == nil {
		t.Fatalf("expected lookup to fail once the fd is released")
	}
}

func TestFDTable_AdoptRejectsAlreadyOpen(t *testing.T) {
	tab := NewFDTable()
	if _, err := tab.Adopt(3, 9, 0); err != nil {
		t.Fatalf("first adopt: %v", err)
	}
	if _, err := tab.Adopt(3, 10, 0); err == nil {
		t.Fatalf("adopting an already-open fd should fail")
	}
}

func TestFDTable_Count(t *testing.T) {
	tab := NewFDTable()
	if tab.Count() != 0 {
		t.Fatalf("expected empty table to count 0")
	}
	tab.Adopt(3, 9, 0)
	tab.Adopt(4, 10, 0)
	if tab.Count() != 2 {
		t.Fatalf("expected count 2, got %d", tab.Count())
	}
}
