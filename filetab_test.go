package txposix

import "testing"

func TestTable_RefCreatesThenReusesSlot(t *testing.T) {
	tab := NewTable[FileID, int]("test", 4, func() int { return 0 })
	id := FileID{Dev: 1, Ino: 1, Kind: KindRegfile}

	idx1, slot1, err := tab.Ref(id, func(v *int) error { *v = 100; return nil })
	if err != nil {
		t.Fatalf("first Ref: %v", err)
	}
	if Value[FileID, int](slot1) != 100 {
		t.Fatalf("expected init to run, got %d", Value[FileID, int](slot1))
	}

	idx2, _, err := tab.Ref(id, func(v *int) error {
		t.Fatalf("init must not run again for an existing identity")
		return nil
	})
	if err != nil {
		t.Fatalf("second Ref: %v", err)
	}
	if idx1 != idx2 {
		t.Fatalf("expected the same slot index, got %d and %d", idx1, idx2)
	}
}

func TestTable_UnrefClearsIdentityOnLastRelease(t *testing.T) {
	tab := NewTable[FileID, int]("test", 4, func() int { return 0 })
	id := FileID{Dev: 1, Ino: 1, Kind: KindRegfile}

	idx, _, err := tab.Ref(id, nil)
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	tab.Unref(idx, func(v *int) { *v = 0 })

	idx2, _, err := tab.Ref(id, func(v *int) error { *v = 7; return nil })
	if err != nil {
		t.Fatalf("Ref after Unref: %v", err)
	}
	if Value[FileID, int](tab.Slot(idx2)) != 7 {
		t.Fatalf("expected init to run again after the slot was cleared")
	}
}

func TestTable_ExhaustedCapacityConflicts(t *testing.T) {
	tab := NewTable[FileID, int]("test", 2, func() int { return 0 })

	for i := 0; i < 2; i++ {
		id := FileID{Dev: 1, Ino: uint64(i + 1), Kind: KindRegfile}
		if _, _, err := tab.Ref(id, nil); err != nil {
			t.Fatalf("Ref %d: %v", i, err)
		}
	}

	id := FileID{Dev: 1, Ino: 99, Kind: KindRegfile}
	if _, _, err := tab.Ref(id, nil); err == nil {
		t.Fatalf("expected Conflicting once capacity is exhausted")
	}
}

func TestTable_RefIdxUnconditional(t *testing.T) {
	tab := NewTable[FileID, int]("test", 4, func() int { return 0 })
	id := FileID{Dev: 1, Ino: 1, Kind: KindRegfile}

	idx, slot, err := tab.Ref(id, nil)
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	if slot.Count() != 1 {
		t.Fatalf("expected count 1, got %d", slot.Count())
	}
	tab.RefIdx(idx)
	if slot.Count() != 2 {
		t.Fatalf("expected count 2 after RefIdx, got %d", slot.Count())
	}
}
