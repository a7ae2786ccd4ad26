// Package boxmesh is a uniform cartesian brick mesh decomposed into
// contiguous z-slabs, one per rank. It is the concrete Mesh the tests and
// the CLI run on; the engine itself only sees the photonpass.Mesh
// interface.
package boxmesh

import (
	"fmt"

	"github.com/mtdrift/photonpass"
)

// Config describes the global mesh. Extents are per-cell sizes; the global
// cell id of (i,j,k) is i + j*Nx + k*Nx*Ny, so a z-slab owns a contiguous
// id range.
type Config struct {
	Nx, Ny, Nz int
	Dx, Dy, Dz float64

	SigmaA float64
	SigmaS float64
	Fleck  float64

	// Boundary holds the domain boundary condition per face (x-, x+, y-,
	// y+, z-, z+). Zero value means vacuum everywhere.
	Boundary [6]photonpass.BC
}

var (
	errDims   = fmt.Errorf("boxmesh: all divisions must be positive")
	errSizes  = fmt.Errorf("boxmesh: all cell sizes must be positive")
	errRanks  = fmt.Errorf("boxmesh: more ranks than z-planes")
	errDomain = fmt.Errorf("boxmesh: domain boundary must be vacuum or reflect")
)

// Mesh is one rank's slab.
type Mesh struct {
	cfg   Config
	rank  int
	nRank int

	// owned global id range [startID, endID)
	startID uint32
	endID   uint32

	cells []photonpass.Cell
	adj   map[int]int
}

var _ photonpass.Mesh = (*Mesh)(nil)

// New builds rank's slab of the global mesh described by cfg.
func New(cfg Config, rank, nRank int) (*Mesh, error) {
	if cfg.Nx <= 0 || cfg.Ny <= 0 || cfg.Nz <= 0 {
		return nil, errDims
	}
	if cfg.Dx <= 0 || cfg.Dy <= 0 || cfg.Dz <= 0 {
		return nil, errSizes
	}
	if nRank > cfg.Nz {
		return nil, errRanks
	}
	for _, bc := range cfg.Boundary {
		if bc != photonpass.BCVacuum && bc != photonpass.BCReflect {
			return nil, errDomain
		}
	}

	k0, k1 := slabBounds(cfg.Nz, rank, nRank)
	perPlane := uint32(cfg.Nx * cfg.Ny)
	m := &Mesh{
		cfg:     cfg,
		rank:    rank,
		nRank:   nRank,
		startID: uint32(k0) * perPlane,
		endID:   uint32(k1) * perPlane,
	}
	m.cells = make([]photonpass.Cell, 0, m.endID-m.startID)
	for k := k0; k < k1; k++ {
		for j := 0; j < cfg.Ny; j++ {
			for i := 0; i < cfg.Nx; i++ {
				m.cells = append(m.cells, m.buildCell(i, j, k))
			}
		}
	}

	m.adj = make(map[int]int)
	index := 0
	if rank > 0 {
		m.adj[rank-1] = index
		index++
	}
	if rank < nRank-1 {
		m.adj[rank+1] = index
	}
	return m, nil
}

// slabBounds splits nz planes over nRank ranks, front-loading the
// remainder.
func slabBounds(nz, rank, nRank int) (int, int) {
	base := nz / nRank
	rem := nz % nRank
	k0 := rank*base + min(rank, rem)
	k1 := k0 + base
	if rank < rem {
		k1++
	}
	return k0, k1
}

func (m *Mesh) buildCell(i, j, k int) photonpass.Cell {
	cfg := m.cfg
	id := uint32(i + j*cfg.Nx + k*cfg.Nx*cfg.Ny)
	cell := photonpass.Cell{
		ID:     id,
		SigmaA: cfg.SigmaA,
		SigmaS: cfg.SigmaS,
		Fleck:  cfg.Fleck,
		Nodes: [6]float64{
			float64(i) * cfg.Dx, float64(i+1) * cfg.Dx,
			float64(j) * cfg.Dy, float64(j+1) * cfg.Dy,
			float64(k) * cfg.Dz, float64(k+1) * cfg.Dz,
		},
	}

	strides := [6]int{-1, 1, -cfg.Nx, cfg.Nx, -cfg.Nx * cfg.Ny, cfg.Nx * cfg.Ny}
	coords := [3]int{i, j, k}
	limits := [3]int{cfg.Nx, cfg.Ny, cfg.Nz}
	for face := 0; face < 6; face++ {
		axis := face / 2
		onEdge := (face%2 == 0 && coords[axis] == 0) ||
			(face%2 == 1 && coords[axis] == limits[axis]-1)
		if onEdge {
			cell.BCs[face] = cfg.Boundary[face]
			continue
		}
		next := uint32(int(id) + strides[face])
		cell.Next[face] = next
		if next < m.startID || next >= m.endID {
			cell.BCs[face] = photonpass.BCProcessor
		} else {
			cell.BCs[face] = photonpass.BCElement
		}
	}
	return cell
}

func (m *Mesh) OnRankCell(id uint32) *photonpass.Cell {
	return &m.cells[id-m.startID]
}

func (m *Mesh) RankOf(id uint32) int {
	k := int(id) / (m.cfg.Nx * m.cfg.Ny)
	base := m.cfg.Nz / m.nRank
	rem := m.cfg.Nz % m.nRank
	// the first rem slabs are one plane taller
	if k < rem*(base+1) {
		return k / (base + 1)
	}
	return rem + (k-rem*(base+1))/base
}

func (m *Mesh) AdjacentRanks() map[int]int { return m.adj }

func (m *Mesh) NumLocalCells() int { return len(m.cells) }

func (m *Mesh) LocalIndex(id uint32) int { return int(id - m.startID) }

// Cells exposes the owned cells for sources and tally reports.
func (m *Mesh) Cells() []photonpass.Cell { return m.cells }
