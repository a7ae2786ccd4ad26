// Command photonpass runs a multi-rank photon transport problem in one
// process, each rank a goroutine over the commchan substrate, and prints a
// per-step conservation report.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mtdrift/photonpass"
	"github.com/mtdrift/photonpass/pkg/boxmesh"
	"github.com/mtdrift/photonpass/pkg/commchan"
	"github.com/mtdrift/photonpass/pkg/input"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		deckPath string
		nRanks   int
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "photonpass",
		Short: "distributed Monte Carlo photon transport, in-process ranks",
		RunE: func(cmd *cobra.Command, args []string) error {
			deck, err := input.Load(deckPath)
			if err != nil {
				return err
			}
			return run(deck, nRanks, verbose)
		},
	}

	cmd.Flags().StringVarP(&deckPath, "deck", "d", "problem.yaml", "problem deck file")
	cmd.Flags().IntVarP(&nRanks, "ranks", "n", 1, "number of ranks")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// stepReport aggregates one step's results across ranks.
type stepReport struct {
	mu        sync.Mutex
	absorbedE float64
	exitE     float64
	censusE   float64
	census    int
	messages  uint64
	passed    uint64
}

func (r *stepReport) add(res *photonpass.StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.absorbedE += res.Tally.TotalAbsorbedE()
	r.exitE += res.Tally.ExitE
	r.censusE += res.Tally.CensusE
	r.census += len(res.Census)
	r.messages += res.Counters.NPhotonMessages
	r.passed += res.Counters.NPhotonsSent
}

func run(deck *input.Deck, nRanks int, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	cluster := commchan.New(nRanks)
	reports := make([]stepReport, deck.Time.Steps)

	var eg errgroup.Group
	for rank := 0; rank < nRanks; rank++ {
		eg.Go(func() error {
			mesh, err := boxmesh.New(boxmesh.Config{
				Nx: deck.Mesh.Nx, Ny: deck.Mesh.Ny, Nz: deck.Mesh.Nz,
				Dx: deck.Mesh.Dx, Dy: deck.Mesh.Dy, Dz: deck.Mesh.Dz,
				SigmaA: deck.Material.SigmaA,
				SigmaS: deck.Material.SigmaS,
				Fleck:  deck.Material.Fleck,
			}, rank, nRanks)
			if err != nil {
				return err
			}

			rng := photonpass.NewSplitMix(deck.Seed + uint64(rank))
			engine, err := photonpass.NewEngine(cluster.Comm(rank), mesh, rng,
				photonpass.WithLog(handler),
				photonpass.WithBatchSize(deck.Particles.BatchSize),
				photonpass.WithParticleMessageSize(deck.Particles.MessageSize),
			)
			if err != nil {
				return err
			}

			perRank := deck.Particles.NPhotons / uint64(nRanks)
			perRankE := deck.Particles.TotalE / float64(nRanks)
			var census []photonpass.Photon
			for step := 0; step < deck.Time.Steps; step++ {
				src := photonpass.NewConcatSource(
					boxmesh.NewEmissionSource(mesh, perRank, perRankE),
					photonpass.NewSliceSource(census),
				)
				res, err := engine.Transport(src, deck.Time.Dt, deck.Time.Dt)
				if err != nil {
					return err
				}
				census = res.Census
				reports[step].add(res)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	fmt.Printf("%-6s %14s %14s %14s %10s %10s %10s\n",
		"step", "absorbed_E", "exit_E", "census_E", "census", "messages", "passed")
	for step := range reports {
		r := &reports[step]
		fmt.Printf("%-6d %14.6e %14.6e %14.6e %10d %10d %10d\n",
			step+1, r.absorbedE, r.exitE, r.censusE, r.census, r.messages, r.passed)
	}
	return nil
}
