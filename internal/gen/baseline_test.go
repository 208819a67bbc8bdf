package gen

import (
	"testing"

	"deepforge/server/internal/coords"
)

func TestBaselineGroundColumn(t *testing.T) {
	blocks := Baseline(coords.SectionID{CX: 3, CZ: 7, SY: 0})
	if len(blocks) != coords.BlocksPerSection {
		t.Fatalf("expected %d blocks, got %d", coords.BlocksPerSection, len(blocks))
	}
	for lz := 0; lz < coords.SectionSize; lz++ {
		for lx := 0; lx < coords.SectionSize; lx++ {
			for ly := 0; ly < coords.SectionSize; ly++ {
				got := blocks[coords.LocalIndex(lx, ly, lz)]
				var want uint16
				switch {
				case ly < GroundY:
					want = BlockStone
				case ly == GroundY:
					want = BlockGrass
				default:
					want = BlockAir
				}
				if got != want {
					t.Fatalf("block at (%d,%d,%d) = %d, want %d", lx, ly, lz, got, want)
				}
			}
		}
	}
}

func TestBaselineUpperSectionsAreAir(t *testing.T) {
	for sy := 1; sy < coords.MaxSectionY; sy++ {
		blocks := Baseline(coords.SectionID{CX: 0, CZ: 0, SY: sy})
		for i, b := range blocks {
			if b != BlockAir {
				t.Fatalf("section sy=%d block %d = %d, want air", sy, i, b)
			}
		}
	}
}

func TestBaselineDeterministic(t *testing.T) {
	id := coords.SectionID{CX: 100, CZ: 200, SY: 0}
	a := Baseline(id)
	b := Baseline(id)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("baseline not deterministic at index %d", i)
		}
	}
}

func TestSpawnPositionOnGround(t *testing.T) {
	x, y, z := SpawnPosition()
	if y != float64(GroundY+1) {
		t.Fatalf("spawn y = %v, want %d", y, GroundY+1)
	}
	if !coords.InWorldBounds(int(x), int(y), int(z)) {
		t.Fatalf("spawn (%v,%v,%v) outside world bounds", x, y, z)
	}
}
