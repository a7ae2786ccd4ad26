package photonpass

import "math"

// Verdict classifies the terminal outcome of one photon history on this
// rank.
type Verdict uint8

const (
	// VerdictKill: absorbed below the energy cutoff.
	VerdictKill Verdict = iota
	// VerdictExit: left the problem through a vacuum boundary.
	VerdictExit
	// VerdictCensus: survived to the end of the time step.
	VerdictCensus
	// VerdictPass: crossed into a cell owned by another rank.
	VerdictPass
	// VerdictWait is reserved; the particle-pass algorithm never produces
	// it.
	VerdictWait
)

func (v Verdict) String() string {
	switch v {
	case VerdictKill:
		return "kill"
	case VerdictExit:
		return "exit"
	case VerdictCensus:
		return "census"
	case VerdictPass:
		return "pass"
	case VerdictWait:
		return "wait"
	default:
		return "unknown"
	}
}

// transportPhoton advances one photon until it reaches a terminal outcome
// local to this rank. The loop is allocation-free: every event either
// continues in place (scatter, reflect, element crossing) or returns.
//
// Each step samples three candidate distances: to the next effective
// scatter, to the nearest cell face, and to census. The minimum wins; ties
// resolve scatter, then boundary, then census.
func transportPhoton(p *Photon, mesh Mesh, rng RNG, nextDt, cutoff float64, tally *Tally) Verdict {
	cell := mesh.OnRankCell(p.Cell)

	for {
		sigmaA := cell.SigmaA
		sigmaS := cell.SigmaS
		f := cell.Fleck

		distScatter := -math.Log(rng.Float()) / ((1.0-f)*sigmaA + sigmaS)
		distBoundary, face := cell.DistanceToBoundary(p.Pos, p.Dir)
		distCensus := p.Remaining

		dist := math.Min(distScatter, math.Min(distBoundary, distCensus))

		absorbed := p.E * (1.0 - math.Exp(-sigmaA*f*dist))
		p.E -= absorbed
		tally.Absorb(p.Cell, absorbed)

		p.Move(dist)

		if p.BelowCutoff(cutoff) {
			tally.Absorb(p.Cell, p.E)
			p.Alive = false
			return VerdictKill
		}

		switch {
		case dist == distScatter:
			p.Dir = UniformAngle(rng)

		case dist == distBoundary:
			switch cell.BCs[face] {
			case BCElement:
				p.Cell = cell.Next[face]
				cell = mesh.OnRankCell(p.Cell)
			case BCProcessor:
				// global id of the destination cell on the remote rank
				p.Cell = cell.Next[face]
				return VerdictPass
			case BCVacuum:
				tally.ExitE += p.E
				p.Alive = false
				return VerdictExit
			default: // BCReflect
				p.Reflect(face)
			}

		default: // census
			p.Census = true
			p.Remaining = SpeedOfLight * nextDt
			tally.CensusE += p.E
			return VerdictCensus
		}
	}
}
