package boxmesh

import "github.com/mtdrift/photonpass"

// EmissionSource emits photons uniformly over the rank's cells: photon n
// is born in cell n modulo the local cell count, at a uniform position
// inside it, with an isotropic direction and an even share of the rank's
// emission energy.
type EmissionSource struct {
	mesh   *Mesh
	n      uint64
	perE   float64
	cursor uint64
}

// NewEmissionSource spreads totalE evenly over n photons on m.
func NewEmissionSource(m *Mesh, n uint64, totalE float64) *EmissionSource {
	return &EmissionSource{
		mesh: m,
		n:    n,
		perE: totalE / float64(n),
	}
}

func (s *EmissionSource) NumPhotons() uint64 { return s.n }

func (s *EmissionSource) Next(rng photonpass.RNG, dt float64) photonpass.Photon {
	cell := &s.mesh.cells[int(s.cursor)%len(s.mesh.cells)]
	s.cursor++
	return photonpass.Photon{
		Pos:       cell.UniformPosition(rng),
		Dir:       photonpass.UniformAngle(rng),
		Cell:      cell.ID,
		E:         s.perE,
		SourceE:   s.perE,
		Remaining: photonpass.SpeedOfLight * dt,
		Alive:     true,
	}
}

// AimedSource is EmissionSource with a fixed direction, used to push every
// history toward a chosen partition face.
type AimedSource struct {
	inner EmissionSource
	dir   [3]float64
}

func NewAimedSource(m *Mesh, n uint64, totalE float64, dir [3]float64) *AimedSource {
	return &AimedSource{
		inner: *NewEmissionSource(m, n, totalE),
		dir:   dir,
	}
}

func (s *AimedSource) NumPhotons() uint64 { return s.inner.NumPhotons() }

func (s *AimedSource) Next(rng photonpass.RNG, dt float64) photonpass.Photon {
	p := s.inner.Next(rng, dt)
	p.Dir = s.dir
	return p
}
