package bitmap

import "testing"

func TestBitmap_SetClearTest(t *testing.T) {
	b := New(130)
	if b.Test(5) {
		t.Fatalf("expected bit 5 to start clear")
	}
	if wasSet := b.Set(5); wasSet {
		t.Fatalf("expected Set to report the bit was not previously set")
	}
	if !b.Test(5) {
		t.Fatalf("expected bit 5 to be set")
	}
	if wasSet := b.Set(5); !wasSet {
		t.Fatalf("expected a second Set to report the bit was already set")
	}
	if wasSet := b.Clear(5); !wasSet {
		t.Fatalf("expected Clear to report the bit was set")
	}
	if b.Test(5) {
		t.Fatalf("expected bit 5 to be clear after Clear")
	}
	if wasSet := b.Clear(5); wasSet {
		t.Fatalf("expected a second Clear to report the bit was already clear")
	}
}

func TestBitmap_CrossesWordBoundary(t *testing.T) {
	b := New(200)
	b.Set(63)
	b.Set(64)
	b.Set(127)
	b.Set(128)
	for _, i := range []int{63, 64, 127, 128} {
		if !b.Test(i) {
			t.Fatalf("expected bit %d to be set", i)
		}
	}
	if b.Test(65) {
		t.Fatalf("expected bit 65 to remain clear")
	}
}

func TestBitmap_Count(t *testing.T) {
	b := New(100)
	if b.Count() != 0 {
		t.Fatalf("expected a fresh bitmap to count 0")
	}
	for _, i := range []int{1, 2, 3, 99} {
		b.Set(i)
	}
	if b.Count() != 4 {
		t.Fatalf("expected count 4, got %d", b.Count())
	}
	b.Clear(2)
	if b.Count() != 3 {
		t.Fatalf("expected count 3 after a clear, got %d", b.Count())
	}
}

func TestBitmap_Len(t *testing.T) {
	b := New(42)
	if b.Len() != 42 {
		t.Fatalf("expected Len 42, got %d", b.Len())
	}
}

func TestBitmap_NegativeSizeClampsToZero(t *testing.T) {
	b := New(-5)
	if b.Len() != 0 {
		t.Fatalf("expected a negative size to clamp to 0, got %d", b.Len())
	}
}
