package photonpass

// Photon is one history's transport state. It is created by a `Source` or
// decoded from an inbound message, mutated only by the transport kernel, and
// retired by reaching census, leaving the problem, or being serialized into
// a send buffer bound for another rank.
type Photon struct {
	Pos [3]float64
	Dir [3]float64

	// Cell is a global cell identifier. While the photon is resident it
	// names a cell of the local mesh partition; after a PASS verdict it
	// names the destination cell on the receiving rank.
	Cell uint32

	// E is the current energy, SourceE the energy at creation. The kill
	// cutoff compares the two.
	E       float64
	SourceE float64

	// Remaining is the path length left before census, speed of light
	// times time-to-census.
	Remaining float64

	Census bool
	Alive  bool
}

// Move translates the photon along its direction and burns path length.
func (p *Photon) Move(d float64) {
	p.Pos[0] += p.Dir[0] * d
	p.Pos[1] += p.Dir[1] * d
	p.Pos[2] += p.Dir[2] * d
	p.Remaining -= d
}

// BelowCutoff reports whether the history should be killed and its energy
// deposited locally.
func (p *Photon) BelowCutoff(fraction float64) bool {
	return p.E < fraction*p.SourceE
}

// Reflect negates the velocity component normal to the crossed face.
// Faces pair up per axis: 0,1 are x-, x+ and so on.
func (p *Photon) Reflect(face int) {
	p.Dir[face/2] = -p.Dir[face/2]
}

// Less is the census ordering relation: by cell, then energy, then
// remaining path, then position. It is deterministic for any fixed photon
// population, which is all the census contract asks for.
func (p *Photon) Less(o *Photon) bool {
	if p.Cell != o.Cell {
		return p.Cell < o.Cell
	}
	if p.E != o.E {
		return p.E < o.E
	}
	if p.Remaining != o.Remaining {
		return p.Remaining < o.Remaining
	}
	for i := 0; i < 3; i++ {
		if p.Pos[i] != o.Pos[i] {
			return p.Pos[i] < o.Pos[i]
		}
	}
	return false
}
