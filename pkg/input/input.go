// Package input loads the YAML problem deck: global mesh, material,
// time stepping and particle-count parameters.
package input

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrMeshDims  = errors.New("input: mesh divisions must be positive")
	ErrMeshSizes = errors.New("input: mesh cell sizes must be positive")
	ErrOpacity   = errors.New("input: opacities must be non-negative")
	ErrFleck     = errors.New("input: fleck factor must be in [0,1]")
	ErrTime      = errors.New("input: dt and steps must be positive")
	ErrParticles = errors.New("input: photon count must be positive")
)

// Deck is one problem description.
type Deck struct {
	Mesh struct {
		Nx int     `yaml:"nx"`
		Ny int     `yaml:"ny"`
		Nz int     `yaml:"nz"`
		Dx float64 `yaml:"dx"`
		Dy float64 `yaml:"dy"`
		Dz float64 `yaml:"dz"`
	} `yaml:"mesh"`

	Material struct {
		SigmaA float64 `yaml:"sigma_a"`
		SigmaS float64 `yaml:"sigma_s"`
		Fleck  float64 `yaml:"fleck"`
	} `yaml:"material"`

	Time struct {
		Dt    float64 `yaml:"dt"`
		Steps int     `yaml:"steps"`
	} `yaml:"time"`

	Particles struct {
		NPhotons    uint64  `yaml:"n_photons"`
		TotalE      float64 `yaml:"total_e"`
		BatchSize   uint32  `yaml:"batch_size"`
		MessageSize uint32  `yaml:"message_size"`
	} `yaml:"particles"`

	Seed uint64 `yaml:"seed"`
}

// Load reads and validates a deck file.
func Load(path string) (*Deck, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("input: reading deck: %w", err)
	}
	return Parse(raw)
}

// Parse validates a deck held in memory.
func Parse(raw []byte) (*Deck, error) {
	var deck Deck
	if err := yaml.Unmarshal(raw, &deck); err != nil {
		return nil, fmt.Errorf("input: parsing deck: %w", err)
	}
	if err := deck.validate(); err != nil {
		return nil, err
	}
	deck.applyDefaults()
	return &deck, nil
}

func (d *Deck) validate() error {
	if d.Mesh.Nx <= 0 || d.Mesh.Ny <= 0 || d.Mesh.Nz <= 0 {
		return ErrMeshDims
	}
	if d.Mesh.Dx <= 0 || d.Mesh.Dy <= 0 || d.Mesh.Dz <= 0 {
		return ErrMeshSizes
	}
	if d.Material.SigmaA < 0 || d.Material.SigmaS < 0 {
		return ErrOpacity
	}
	if d.Material.Fleck < 0 || d.Material.Fleck > 1 {
		return ErrFleck
	}
	if d.Time.Dt <= 0 || d.Time.Steps <= 0 {
		return ErrTime
	}
	if d.Particles.NPhotons == 0 {
		return ErrParticles
	}
	return nil
}

func (d *Deck) applyDefaults() {
	if d.Particles.TotalE == 0 {
		d.Particles.TotalE = 1.0
	}
	if d.Particles.BatchSize == 0 {
		d.Particles.BatchSize = 100
	}
	if d.Particles.MessageSize == 0 {
		d.Particles.MessageSize = 1000
	}
	if d.Seed == 0 {
		d.Seed = 0x70686f746f6e70 // "photonp"
	}
}
