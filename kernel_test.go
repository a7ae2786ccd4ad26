package photonpass

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// gridMesh is a single-rank test mesh over an arbitrary cell table.
type gridMesh struct {
	cells map[uint32]*Cell
	index map[uint32]int
}

func newGridMesh(cells ...*Cell) *gridMesh {
	m := &gridMesh{
		cells: make(map[uint32]*Cell),
		index: make(map[uint32]int),
	}
	for i, c := range cells {
		m.cells[c.ID] = c
		m.index[c.ID] = i
	}
	return m
}

func (m *gridMesh) OnRankCell(id uint32) *Cell { return m.cells[id] }
func (m *gridMesh) RankOf(uint32) int          { return 0 }
func (m *gridMesh) AdjacentRanks() map[int]int { return nil }
func (m *gridMesh) NumLocalCells() int         { return len(m.cells) }
func (m *gridMesh) LocalIndex(id uint32) int   { return m.index[id] }

// reflectBox is a unit cube with reflecting walls.
func reflectBox(sigmaA, sigmaS, f float64) *Cell {
	return &Cell{
		ID:     0,
		SigmaA: sigmaA,
		SigmaS: sigmaS,
		Fleck:  f,
		Nodes:  [6]float64{0, 1, 0, 1, 0, 1},
		BCs: [6]BC{
			BCReflect, BCReflect, BCReflect,
			BCReflect, BCReflect, BCReflect,
		},
	}
}

func vacuumBox(sigmaA, sigmaS, f float64) *Cell {
	c := reflectBox(sigmaA, sigmaS, f)
	c.BCs = [6]BC{BCVacuum, BCVacuum, BCVacuum, BCVacuum, BCVacuum, BCVacuum}
	return c
}

func centered(e float64) Photon {
	return Photon{
		Pos:       [3]float64{0.5, 0.5, 0.5},
		Dir:       [3]float64{1, 0, 0},
		Cell:      0,
		E:         e,
		SourceE:   e,
		Remaining: SpeedOfLight * 1.0,
		Alive:     true,
	}
}

func TestKernelPureAbsorber(t *testing.T) {
	// a reflecting box with a pure absorber kills every history and
	// deposits all of its energy locally
	mesh := newGridMesh(reflectBox(1.0, 0.0, 1.0))
	rng := NewSplitMix(7)
	tally := NewTally(mesh)

	const n = 1000
	var sourceE float64
	for i := 0; i < n; i++ {
		p := centered(1.0 / n)
		p.Dir = UniformAngle(rng)
		sourceE += p.E
		verdict := transportPhoton(&p, mesh, rng, 1.0, 0.01, tally)
		require.Equal(t, VerdictKill, verdict)
		require.False(t, p.Alive)
	}

	require.InEpsilon(t, sourceE, tally.TotalAbsorbedE(), 1e-12)
	require.Zero(t, tally.ExitE)
	require.Zero(t, tally.CensusE)
}

func TestKernelStreamingExit(t *testing.T) {
	// no opacity, vacuum walls: every history leaves through its first
	// boundary with its full energy
	mesh := newGridMesh(vacuumBox(0.0, 0.0, 1.0))
	rng := NewSplitMix(11)
	tally := NewTally(mesh)

	const n = 500
	var sourceE float64
	for i := 0; i < n; i++ {
		p := centered(2.0)
		p.Dir = UniformAngle(rng)
		sourceE += p.E
		verdict := transportPhoton(&p, mesh, rng, 1.0, 0.01, tally)
		require.Equal(t, VerdictExit, verdict)
	}

	require.InEpsilon(t, sourceE, tally.ExitE, 1e-12)
	require.Zero(t, tally.TotalAbsorbedE())
}

func TestKernelCensus(t *testing.T) {
	// no opacity, reflecting walls and a path shorter than the time
	// step budget: every history reaches census intact
	mesh := newGridMesh(reflectBox(0.0, 0.0, 1.0))
	rng := NewSplitMix(13)
	tally := NewTally(mesh)

	const nextDt = 2.5
	p := centered(1.0)
	p.Remaining = 0.25 // a quarter cell of path left

	verdict := transportPhoton(&p, mesh, rng, nextDt, 0.01, tally)
	require.Equal(t, VerdictCensus, verdict)
	require.True(t, p.Census)
	require.Equal(t, SpeedOfLight*nextDt, p.Remaining)
	require.InEpsilon(t, 1.0, tally.CensusE, 1e-12)
	require.InDelta(t, 0.75, p.Pos[0], 1e-12)
}

func TestKernelProcessorPass(t *testing.T) {
	cell := vacuumBox(0.0, 0.0, 1.0)
	cell.BCs[1] = BCProcessor
	cell.Next[1] = 42
	mesh := newGridMesh(cell)
	tally := NewTally(mesh)

	p := centered(1.0)
	verdict := transportPhoton(&p, mesh, NewSplitMix(3), 1.0, 0.01, tally)
	require.Equal(t, VerdictPass, verdict)
	require.Equal(t, uint32(42), p.Cell, "pass must carry the remote global cell id")
	require.True(t, p.Alive)
}

func TestKernelElementCrossing(t *testing.T) {
	// two cells side by side; the photon crosses the shared face and
	// exits through the far wall of the second
	left := &Cell{
		ID: 0, Fleck: 1.0,
		Nodes: [6]float64{0, 1, 0, 1, 0, 1},
		BCs:   [6]BC{BCVacuum, BCElement, BCReflect, BCReflect, BCReflect, BCReflect},
	}
	left.Next[1] = 1
	right := &Cell{
		ID: 1, Fleck: 1.0,
		Nodes: [6]float64{1, 2, 0, 1, 0, 1},
		BCs:   [6]BC{BCElement, BCVacuum, BCReflect, BCReflect, BCReflect, BCReflect},
	}
	right.Next[0] = 0
	mesh := newGridMesh(left, right)
	tally := NewTally(mesh)

	p := centered(1.0)
	verdict := transportPhoton(&p, mesh, NewSplitMix(3), 1.0, 0.01, tally)
	require.Equal(t, VerdictExit, verdict)
	require.InDelta(t, 2.0, p.Pos[0], 1e-12)
}

func TestKernelReflect(t *testing.T) {
	p := centered(1.0)
	p.Dir = [3]float64{0.6, 0.8, 0}
	p.Reflect(1) // x+ face
	require.Equal(t, [3]float64{-0.6, 0.8, 0}, p.Dir)
	p.Reflect(2) // y- face
	require.Equal(t, [3]float64{-0.6, -0.8, 0}, p.Dir)
}

func TestKernelEnergyBookkeeping(t *testing.T) {
	// absorbing and scattering medium, vacuum walls: whatever is not
	// absorbed leaves or reaches census, nothing else
	mesh := newGridMesh(vacuumBox(0.8, 1.2, 0.6))
	rng := NewSplitMix(17)
	tally := NewTally(mesh)

	const n = 2000
	var sourceE float64
	for i := 0; i < n; i++ {
		p := centered(1.0 / n)
		p.Dir = UniformAngle(rng)
		p.Remaining = SpeedOfLight * 1e-3
		sourceE += p.E
		transportPhoton(&p, mesh, rng, 1e-3, 0.01, tally)
	}

	total := tally.TotalAbsorbedE() + tally.ExitE + tally.CensusE
	require.InEpsilon(t, sourceE, total, 1e-10)
}

func TestDistanceToBoundary(t *testing.T) {
	cell := reflectBox(0, 0, 1)

	dist, face := cell.DistanceToBoundary(
		[3]float64{0.5, 0.5, 0.5}, [3]float64{1, 0, 0})
	require.InDelta(t, 0.5, dist, 1e-15)
	require.Equal(t, 1, face)

	dist, face = cell.DistanceToBoundary(
		[3]float64{0.25, 0.5, 0.5}, [3]float64{-1, 0, 0})
	require.InDelta(t, 0.25, dist, 1e-15)
	require.Equal(t, 0, face)

	// diagonal travel picks the nearest face
	invSqrt3 := 1.0 / math.Sqrt(3.0)
	dist, face = cell.DistanceToBoundary(
		[3]float64{0.9, 0.5, 0.5}, [3]float64{invSqrt3, invSqrt3, invSqrt3})
	require.Equal(t, 1, face)
	require.InDelta(t, 0.1/invSqrt3, dist, 1e-12)
}

func TestUniformAngleIsUnit(t *testing.T) {
	rng := NewSplitMix(23)
	for i := 0; i < 100; i++ {
		dir := UniformAngle(rng)
		norm := dir[0]*dir[0] + dir[1]*dir[1] + dir[2]*dir[2]
		require.InDelta(t, 1.0, norm, 1e-12)
	}
}

func TestSplitMixRange(t *testing.T) {
	rng := NewSplitMix(1)
	for i := 0; i < 10000; i++ {
		u := rng.Float()
		require.Greater(t, u, 0.0)
		require.LessOrEqual(t, u, 1.0)
	}
}
