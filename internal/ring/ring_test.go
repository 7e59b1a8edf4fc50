package ring

import (
	"testing"
)

func TestAddRemovePointIdempotent(t *testing.T) {
	r := New(32)
	const group = 1

	if err := r.AddPoint(group, 100, "salt"); err != nil {
		t.Fatalf("AddPoint: %v", err)
	}
	before := r.Points(group)

	if err := r.AddPoint(group, 200, "salt"); err != nil {
		t.Fatalf("AddPoint: %v", err)
	}
	if err := r.RemovePoint(group, 200); err != nil {
		t.Fatalf("RemovePoint: %v", err)
	}
	after := r.Points(group)

	if len(before) != len(after) {
		t.Fatalf("point count changed: before=%d after=%d", len(before), len(after))
	}
	seen := make(map[Point]bool, len(before))
	for _, p := range before {
		seen[p] = true
	}
	for _, p := range after {
		if !seen[p] {
			t.Fatalf("unexpected point after add;remove: %+v", p)
		}
	}
}

func TestGetPointNoPoints(t *testing.T) {
	r := New(8)
	if _, err := r.GetPoint(1, "dir", "salt"); err == nil {
		t.Fatal("expected error for empty ring group")
	}
}

func TestGetPointWrapsAround(t *testing.T) {
	r := New(16)
	if err := r.AddPoint(1, 1, "a"); err != nil {
		t.Fatal(err)
	}
	if err := r.AddPoint(1, 2, "b"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 1000; i++ {
		site, err := r.GetPoint(1, string(rune('a'+i%26)), "salt")
		if err != nil {
			t.Fatalf("GetPoint: %v", err)
		}
		if site != 1 && site != 2 {
			t.Fatalf("GetPoint returned unknown site %d", site)
		}
	}
}

func TestGetPointDeterministic(t *testing.T) {
	r := New(32)
	if err := r.AddPoint(1, 7, "s"); err != nil {
		t.Fatal(err)
	}
	if err := r.AddPoint(1, 9, "s"); err != nil {
		t.Fatal(err)
	}
	a, err := r.GetPoint(1, "some/dir", "s")
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.GetPoint(1, "some/dir", "s")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("GetPoint not deterministic: %d != %d", a, b)
	}
}
