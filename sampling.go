package photonpass

import "math"

// UniformAngle samples an isotropic unit direction.
func UniformAngle(rng RNG) [3]float64 {
	mu := rng.Float()*2.0 - 1.0
	phi := rng.Float() * 2.0 * Pi
	sinTheta := math.Sqrt(1.0 - mu*mu)
	return [3]float64{
		sinTheta * math.Cos(phi),
		sinTheta * math.Sin(phi),
		mu,
	}
}

// SourceAngle samples an inward cosine-weighted direction for a surface
// source: mu = sqrt(U) against the face normal, uniform azimuth.
func SourceAngle(rng RNG) [3]float64 {
	mu := math.Sqrt(rng.Float())
	phi := rng.Float() * 2.0 * Pi
	sinTheta := math.Sqrt(1.0 - mu*mu)
	return [3]float64{
		sinTheta * math.Cos(phi),
		sinTheta * math.Sin(phi),
		mu,
	}
}
