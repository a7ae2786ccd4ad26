package photonpass

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/hashicorp/go-metrics"
)

// Engine runs the particle-pass transport for one rank. All per-step
// driver state (tree accumulators, adjacency queues, buffers) is scoped to
// a single Transport call; the Engine itself only carries the
// collaborators and configuration.
type Engine struct {
	comm   Comm
	mesh   Mesh
	rng    RNG
	cfg    *config
	logger *slog.Logger
	labels []metrics.Label
}

// NewEngine wires an engine over its collaborators. The RNG must be seeded
// distinctly per rank.
func NewEngine(comm Comm, mesh Mesh, rng RNG, opts ...Option) (*Engine, error) {
	if comm == nil {
		return nil, ErrNoComm
	}
	if mesh == nil {
		return nil, ErrNoMesh
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if rng == nil {
		rng = NewSplitMix(0x9f0e_1d2c_3b4a_5968 + uint64(comm.Rank()))
	}

	var logger *slog.Logger
	if cfg.logHandler == nil {
		logger = slog.Default()
	} else {
		logger = slog.New(cfg.logHandler)
	}

	return &Engine{
		comm:   comm,
		mesh:   mesh,
		rng:    rng,
		cfg:    cfg,
		logger: logger.With(LabelRank.L(comm.Rank())),
		labels: append(cfg.metricLabels, LabelRank.M(fmt.Sprint(comm.Rank()))),
	}, nil
}

// Transport runs one time step of particle-pass transport and returns the
// sorted census, the energy tally and the step's message counters.
//
// dt is the current step duration (photons drawn from the source get
// c*dt of path), nextDt the following step's (census photons get their
// remaining path reset to c*nextDt).
func (e *Engine) Transport(src Source, dt, nextDt float64) (*StepResult, error) {
	tally := NewTally(e.mesh)
	ctr := &MessageCounter{}

	nLocal := src.NumPhotons()
	nGlobal := e.comm.AllreduceSum(nLocal)

	tree := newCompletionTree(e.comm, nGlobal, ctr, e.cfg.msink, e.labels)
	router := newPhotonRouter(e.comm, e.mesh, int(e.cfg.messageSize), ctr,
		e.cfg.msink, e.labels)

	tree.postReceives()
	router.postReceives()

	e.logger.Debug("entering transport loop",
		"n_local", nLocal,
		"n_global", nGlobal,
		"neighbours", router.neighbours())

	var (
		censusList    []Photon
		nLocalSourced uint64
		nComplete     uint64
		nCompleteStep uint64
		finished      bool
	)

	for !finished {
		n := e.cfg.batchSize

		// Transport a batch, receive stack first, then the local source.
		for n > 0 && (!router.stackEmpty() || nLocalSourced < nLocal) {
			var p Photon
			if !router.stackEmpty() {
				p = router.pop()
			} else {
				p = src.Next(e.rng, dt)
				nLocalSourced++
			}

			switch verdict := transportPhoton(&p, e.mesh, e.rng, nextDt, e.cfg.cutoffFraction, tally); verdict {
			case VerdictKill, VerdictExit:
				nComplete++
			case VerdictCensus:
				censusList = append(censusList, p)
				nComplete++
			case VerdictPass:
				// not complete anywhere until it terminates on the
				// destination rank
				if err := router.enqueue(e.mesh.RankOf(p.Cell), p); err != nil {
					return nil, err
				}
			default:
				panic(fmt.Sprintf("engine: unreachable verdict %v", verdict))
			}
			n--
		}

		sourceDrained := nLocalSourced == nLocal
		if err := router.service(sourceDrained); err != nil {
			return nil, err
		}

		locallyQuiet := sourceDrained && router.stackEmpty()
		nCompleteStep += nComplete
		done, err := tree.service(nComplete, locallyQuiet)
		if err != nil {
			return nil, err
		}
		nComplete = 0
		finished = done
	}

	e.logger.Debug("transport finished, entering quiescence",
		"n_complete", nCompleteStep,
		"pending_sends", router.pendingSends())

	// Quiescence handshake. The done signal rides down the tree first;
	// the barrier then guarantees every rank has left its main loop, so
	// the empty photon batches and the uninterpreted count drains match
	// exactly the receives still posted. Without the barrier a rank could
	// take the empty batch for a real one and repost a receive no send
	// will ever match.
	tree.signalChildren()
	e.comm.Barrier()
	tree.drain()
	router.drain()
	e.comm.Barrier()

	sort.Slice(censusList, func(i, j int) bool {
		return censusList[i].Less(&censusList[j])
	})

	e.cfg.msink.IncrCounterWithLabels(MetricHistoriesCompleted, float32(nCompleteStep), e.labels)
	e.cfg.msink.SetGaugeWithLabels(MetricCensusSize, float32(len(censusList)), e.labels)
	e.cfg.msink.SetGaugeWithLabels(MetricExitEnergy, float32(tally.ExitE), e.labels)
	e.cfg.msink.SetGaugeWithLabels(MetricCensusEnergy, float32(tally.CensusE), e.labels)

	e.logger.Info("transport step done",
		"census_size", len(censusList),
		"exit_e", tally.ExitE,
		"census_e", tally.CensusE,
		"absorbed_e", tally.TotalAbsorbedE(),
		"photon_messages", ctr.NPhotonMessages,
		"photons_sent", ctr.NPhotonsSent)

	return &StepResult{
		Census:        censusList,
		Tally:         tally,
		Counters:      *ctr,
		NGlobal:       nGlobal,
		NLocalSourced: nLocalSourced,
		NComplete:     nCompleteStep,
	}, nil
}
