// Package coords maps between world coordinates, section identifiers, and
// local block indices. A section is the 16x16x16 unit of transfer and
// persistence, addressed as "cx:cz:sy".
package coords

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// SectionSize is the edge length of a section in blocks.
	SectionSize = 16
	// BlocksPerSection is the number of blocks in one section.
	BlocksPerSection = SectionSize * SectionSize * SectionSize

	// MaxSectionX and MaxSectionZ bound the horizontal section grid.
	MaxSectionX = 256
	MaxSectionZ = 256
	// MaxSectionY bounds the vertical column of sections.
	MaxSectionY = 8

	// WorldSizeX, WorldSizeY, WorldSizeZ are the world extents in blocks.
	WorldSizeX = MaxSectionX * SectionSize
	WorldSizeY = MaxSectionY * SectionSize
	WorldSizeZ = MaxSectionZ * SectionSize
)

// SectionID identifies one 16x16x16 section.
type SectionID struct {
	CX int
	CZ int
	SY int
}

// String formats the id as "cx:cz:sy".
func (s SectionID) String() string {
	return fmt.Sprintf("%d:%d:%d", s.CX, s.CZ, s.SY)
}

// Valid reports whether the id lies inside the world section grid.
func (s SectionID) Valid() bool {
	return s.CX >= 0 && s.CX < MaxSectionX &&
		s.CZ >= 0 && s.CZ < MaxSectionZ &&
		s.SY >= 0 && s.SY < MaxSectionY
}

// ParseSectionID parses "cx:cz:sy" with strict non-negative integer components
// and bounds-checks the result against the world extents.
func ParseSectionID(raw string) (SectionID, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return SectionID{}, errors.Errorf("malformed section id %q", raw)
	}
	vals := make([]int, 3)
	for i, part := range parts {
		if part == "" || (len(part) > 1 && part[0] == '0') {
			return SectionID{}, errors.Errorf("malformed section id %q", raw)
		}
		for _, c := range part {
			if c < '0' || c > '9' {
				return SectionID{}, errors.Errorf("malformed section id %q", raw)
			}
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return SectionID{}, errors.Errorf("malformed section id %q", raw)
		}
		vals[i] = n
	}
	id := SectionID{CX: vals[0], CZ: vals[1], SY: vals[2]}
	if !id.Valid() {
		return SectionID{}, errors.Errorf("section id %q outside world bounds", raw)
	}
	return id, nil
}

// WorldToSection returns the section containing the world block (x, y, z)
// using floor division by 16 per axis. Callers bounds-check separately.
func WorldToSection(x, y, z int) SectionID {
	return SectionID{CX: floorDiv(x, SectionSize), CZ: floorDiv(z, SectionSize), SY: floorDiv(y, SectionSize)}
}

// InWorldBounds reports whether the world block coordinate is addressable.
func InWorldBounds(x, y, z int) bool {
	return x >= 0 && x < WorldSizeX && y >= 0 && y < WorldSizeY && z >= 0 && z < WorldSizeZ
}

// LocalIndex converts section-local coordinates to the flat block index
// ly*256 + lz*16 + lx.
func LocalIndex(lx, ly, lz int) int {
	return ly*SectionSize*SectionSize + lz*SectionSize + lx
}

// Local splits a world block coordinate into its section-local components.
func Local(x, y, z int) (lx, ly, lz int) {
	return mod(x, SectionSize), mod(y, SectionSize), mod(z, SectionSize)
}

// SectionsInRadius returns every section whose (cx, cz) lies within the closed
// disk of radius r around center, across the full vertical column, clipped to
// world bounds. The result is ordered by Manhattan distance to the center
// section, ties broken lexicographically on (cx, cz, sy).
func SectionsInRadius(center SectionID, r int) []SectionID {
	if r < 0 {
		return nil
	}
	out := make([]SectionID, 0, (2*r+1)*(2*r+1)*MaxSectionY)
	for dx := -r; dx <= r; dx++ {
		for dz := -r; dz <= r; dz++ {
			if dx*dx+dz*dz > r*r {
				continue
			}
			cx, cz := center.CX+dx, center.CZ+dz
			if cx < 0 || cx >= MaxSectionX || cz < 0 || cz >= MaxSectionZ {
				continue
			}
			for sy := 0; sy < MaxSectionY; sy++ {
				out = append(out, SectionID{CX: cx, CZ: cz, SY: sy})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		da := abs(a.CX-center.CX) + abs(a.CZ-center.CZ)
		db := abs(b.CX-center.CX) + abs(b.CZ-center.CZ)
		if da != db {
			return da < db
		}
		if a.CX != b.CX {
			return a.CX < b.CX
		}
		if a.CZ != b.CZ {
			return a.CZ < b.CZ
		}
		return a.SY < b.SY
	})
	return out
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
