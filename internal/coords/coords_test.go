package coords

import (
	"testing"
)

func TestWorldToSection(t *testing.T) {
	cases := []struct {
		x, y, z    int
		cx, cz, sy int
	}{
		{0, 0, 0, 0, 0, 0},
		{15, 15, 15, 0, 0, 0},
		{16, 16, 16, 1, 1, 1},
		{4095, 127, 4095, 255, 255, 7},
		{33, 5, 250, 2, 15, 0},
	}
	for _, tc := range cases {
		got := WorldToSection(tc.x, tc.y, tc.z)
		want := SectionID{CX: tc.cx, CZ: tc.cz, SY: tc.sy}
		if got != want {
			t.Fatalf("WorldToSection(%d,%d,%d) = %v, want %v", tc.x, tc.y, tc.z, got, want)
		}
	}
}

func TestLocalIndex(t *testing.T) {
	if got := LocalIndex(0, 0, 0); got != 0 {
		t.Fatalf("expected index 0, got %d", got)
	}
	if got := LocalIndex(15, 15, 15); got != 4095 {
		t.Fatalf("expected index 4095, got %d", got)
	}
	if got := LocalIndex(3, 2, 1); got != 2*256+1*16+3 {
		t.Fatalf("unexpected index %d", got)
	}

	seen := make(map[int]bool, BlocksPerSection)
	for ly := 0; ly < SectionSize; ly++ {
		for lz := 0; lz < SectionSize; lz++ {
			for lx := 0; lx < SectionSize; lx++ {
				idx := LocalIndex(lx, ly, lz)
				if idx < 0 || idx >= BlocksPerSection {
					t.Fatalf("index %d out of range", idx)
				}
				if seen[idx] {
					t.Fatalf("index %d produced twice", idx)
				}
				seen[idx] = true
			}
		}
	}
}

func TestLocal(t *testing.T) {
	lx, ly, lz := Local(33, 5, 250)
	if lx != 1 || ly != 5 || lz != 10 {
		t.Fatalf("Local(33,5,250) = (%d,%d,%d)", lx, ly, lz)
	}
}

func TestParseSectionID(t *testing.T) {
	id, err := ParseSectionID("12:200:7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != (SectionID{CX: 12, CZ: 200, SY: 7}) {
		t.Fatalf("unexpected id %v", id)
	}
	if id.String() != "12:200:7" {
		t.Fatalf("round trip produced %q", id.String())
	}

	bad := []string{
		"", "1:2", "1:2:3:4", "-1:0:0", "0:0:8", "256:0:0", "0:256:0",
		"a:0:0", "0: 1:0", "01:0:0", "+1:0:0", "1.5:0:0",
	}
	for _, raw := range bad {
		if _, err := ParseSectionID(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestSectionsInRadiusOrdering(t *testing.T) {
	center := SectionID{CX: 10, CZ: 10, SY: 0}
	got := SectionsInRadius(center, 1)

	// Closed disk of radius 1: center plus four axis neighbours, each a full
	// column of 8 sections.
	if len(got) != 5*MaxSectionY {
		t.Fatalf("expected %d sections, got %d", 5*MaxSectionY, len(got))
	}
	for i := 0; i < MaxSectionY; i++ {
		if got[i].CX != 10 || got[i].CZ != 10 {
			t.Fatalf("expected center column first, got %v at %d", got[i], i)
		}
		if got[i].SY != i {
			t.Fatalf("column out of order at %d: %v", i, got[i])
		}
	}
	// First off-center column is the lexicographically smallest at distance 1.
	if got[MaxSectionY] != (SectionID{CX: 9, CZ: 10, SY: 0}) {
		t.Fatalf("unexpected first neighbour %v", got[MaxSectionY])
	}
}

func TestSectionsInRadiusClipping(t *testing.T) {
	got := SectionsInRadius(SectionID{CX: 0, CZ: 0, SY: 0}, 1)
	// Corner: center plus two in-bounds neighbours.
	if len(got) != 3*MaxSectionY {
		t.Fatalf("expected %d sections at corner, got %d", 3*MaxSectionY, len(got))
	}
	for _, id := range got {
		if !id.Valid() {
			t.Fatalf("out-of-bounds section %v", id)
		}
	}
}
