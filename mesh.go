package photonpass

// Mesh is the engine's view of one rank's partition of the spatial domain.
// Construction, decomposition and geometry belong to the implementation;
// during a step the mesh is read-only.
type Mesh interface {
	// OnRankCell resolves a global cell id owned by this rank. Must be
	// cheap: the kernel calls it on every element crossing.
	OnRankCell(id uint32) *Cell

	// RankOf returns the owner of any global cell id.
	RankOf(id uint32) int

	// AdjacentRanks maps each neighbour rank to its dense buffer index in
	// [0, n_adjacent). Fixed for the step; it defines which ranks exchange
	// photons directly.
	AdjacentRanks() map[int]int

	// NumLocalCells sizes the per-cell absorption tally.
	NumLocalCells() int

	// LocalIndex maps an owned global cell id to [0, NumLocalCells).
	LocalIndex(id uint32) int
}

// Source supplies this rank's photons for one time step. Next advances an
// internal cursor; the engine calls it exactly NumPhotons times.
type Source interface {
	NumPhotons() uint64
	Next(rng RNG, dt float64) Photon
}

// SliceSource replays an already-materialized photon list, typically the
// census of the previous step.
type SliceSource struct {
	photons []Photon
	cursor  int
}

func NewSliceSource(photons []Photon) *SliceSource {
	return &SliceSource{photons: photons}
}

func (s *SliceSource) NumPhotons() uint64 { return uint64(len(s.photons)) }

func (s *SliceSource) Next(RNG, float64) Photon {
	p := s.photons[s.cursor]
	s.cursor++
	return p
}

// ConcatSource chains sources, draining each in turn.
type ConcatSource struct {
	srcs  []Source
	drawn uint64
}

func NewConcatSource(srcs ...Source) *ConcatSource {
	return &ConcatSource{srcs: srcs}
}

func (s *ConcatSource) NumPhotons() uint64 {
	var n uint64
	for _, src := range s.srcs {
		n += src.NumPhotons()
	}
	return n
}

func (s *ConcatSource) Next(rng RNG, dt float64) Photon {
	for len(s.srcs) > 0 {
		if s.drawn == s.srcs[0].NumPhotons() {
			s.srcs = s.srcs[1:]
			s.drawn = 0
			continue
		}
		s.drawn++
		return s.srcs[0].Next(rng, dt)
	}
	panic("source: drawn past NumPhotons")
}
