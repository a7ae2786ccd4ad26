// Package photonpass is the core of a distributed Monte Carlo photon
// transport engine. The simulation mesh is partitioned across *ranks* and
// individual photon histories migrate between ranks by message passing.
//
// Two subsystems carry most of the weight:
//
//   - The per-photon transport kernel: a per-history state machine stepping
//     a photon through cells, sampling collision / boundary / census events,
//     depositing energy and classifying the terminal outcome of each history.
//   - The distributed termination protocol: a binary-tree reduction of the
//     running count of completed histories, so that many ranks sourcing and
//     exchanging photons asynchronously can agree the global population has
//     terminated, without deadlock and without losing in-flight messages.
//
// ## How it works
//
// Each rank runs an `Engine` over a `Comm` (the message-passing substrate)
// and a `Mesh` (its partition of the spatial domain). `Engine.Transport`
// pulls photons from a local `Source`, advances each one until it is
// absorbed, escapes, reaches census or crosses into a cell owned by another
// rank. Migrating photons are batched into per-neighbour send buffers;
// completed-history counts climb a binary tree of ranks until the root
// observes the global total, then the done signal is broadcast back down.
// A final quiescence handshake drains every in-flight message before the
// step returns.
//
// Two `Comm` implementations ship with the engine:
//
//   - `pkg/commchan` runs every rank as a goroutine of one process and backs
//     the test-suite and the CLI.
//   - `pkg/commquic` runs ranks as separate processes, peered over mTLS QUIC
//     with memberlist-based bootstrap.
//
// The engine does not decide mesh decomposition, does not define physics
// constants and does not persist state between time steps: it accepts a
// fixed decomposition and a fixed local photon source for one step.
package photonpass

// Physical constants used by transport. Lengths are in cm, times in shakes.
const (
	// SpeedOfLight in cm/shake.
	SpeedOfLight = 299.792458

	// Pi, spelled out so sampling code does not depend on math.Pi staying
	// bit-identical across toolchains.
	Pi = 3.1415926535897932384626433832795
)

// ProcNull marks a missing relative in the completion tree and any other
// "no such rank" slot.
const ProcNull = -1

// Message tags. Photon batches and completed-history counts share links
// between the same pairs of ranks and are told apart by tag alone.
const (
	TagPhoton = 1
	TagCount  = 2
)
