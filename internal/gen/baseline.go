// Package gen produces baseline section contents. The generator is a pure
// function of the section id; it never touches the store.
package gen

import (
	"deepforge/server/internal/coords"
)

// Version identifies the baseline function. Worlds carry a generator version
// and admission rejects clients that disagree with it.
const Version = 1

// Well-known block ids used by the version-1 generator.
const (
	BlockAir   uint16 = 0
	BlockStone uint16 = 1
	BlockGrass uint16 = 2
)

// GroundY is the world-y of the grass layer in the version-1 flat world.
const GroundY = 4

// Baseline computes the version-1 section for id: stone fills world-y 0..3,
// grass covers world-y 4, everything above is air. Every layer is constant, so
// only the bottom section of a column ever contains non-air blocks.
func Baseline(id coords.SectionID) []uint16 {
	blocks := make([]uint16, coords.BlocksPerSection)
	if id.SY != 0 {
		return blocks
	}
	for ly := 0; ly <= GroundY; ly++ {
		block := BlockStone
		if ly == GroundY {
			block = BlockGrass
		}
		base := ly * coords.SectionSize * coords.SectionSize
		for i := 0; i < coords.SectionSize*coords.SectionSize; i++ {
			blocks[base+i] = block
		}
	}
	return blocks
}

// SpawnPosition returns where new participants appear: the center of the world
// standing on the grass layer.
func SpawnPosition() (x, y, z float64) {
	return float64(coords.WorldSizeX) / 2, float64(GroundY + 1), float64(coords.WorldSizeZ) / 2
}
