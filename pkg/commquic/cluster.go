package commquic

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/memberlist"
)

// cluster is the memberlist bootstrap: a gossip pool whose only job is to
// assemble the full set of ranks and advertise each node's QUIC port. Once
// transport starts, all traffic is point-to-point QUIC; the pool just
// keeps membership alive for operators watching the job.
type cluster struct {
	cfg    *Config
	ml     *memberlist.Memberlist
	logger *slog.Logger
}

// nodeMeta advertises the QUIC port through memberlist's per-node metadata.
type nodeMeta struct {
	quicPort uint16
}

func (d *nodeMeta) NodeMeta(limit int) []byte {
	meta := binary.BigEndian.AppendUint16(nil, d.quicPort)
	if len(meta) > limit {
		panic("commquic: node meta exceeds memberlist limit")
	}
	return meta
}

func (d *nodeMeta) NotifyMsg([]byte)                           {}
func (d *nodeMeta) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *nodeMeta) LocalState(join bool) []byte                { return nil }
func (d *nodeMeta) MergeRemoteState(buf []byte, join bool)     {}

// events logs membership changes.
type events struct {
	logger *slog.Logger
}

func (e *events) NotifyJoin(node *memberlist.Node) {
	e.logger.Info("peer joined cluster", "peer", node.Name)
}

func (e *events) NotifyLeave(node *memberlist.Node) {
	e.logger.Info("peer left cluster", "peer", node.Name)
}

func (e *events) NotifyUpdate(node *memberlist.Node) {
	e.logger.Info("peer updated", "peer", node.Name)
}

func joinCluster(cfg *Config, logger *slog.Logger) (*cluster, error) {
	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.NodeName
	mlCfg.BindAddr = cfg.BindAddr
	mlCfg.BindPort = cfg.GossipPort
	mlCfg.AdvertisePort = cfg.GossipPort
	mlCfg.Delegate = &nodeMeta{quicPort: uint16(cfg.BindPort)}
	mlCfg.Events = &events{logger: logger}

	// memberlist still speaks the legacy armon metrics label type
	mlCfg.MetricLabels = make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}

	cl := &cluster{cfg: cfg, ml: ml, logger: logger}

	if len(cfg.Join) > 0 {
		if _, err := ml.Join(cfg.Join); err != nil {
			// peers may simply not be up yet; the convergence wait below
			// retries
			logger.Warn("initial join incomplete", "error", err)
		}
	}

	if err := cl.waitConverged(); err != nil {
		ml.Shutdown()
		return nil, err
	}
	return cl, nil
}

// waitConverged blocks until the pool holds exactly NumRanks members.
func (cl *cluster) waitConverged() error {
	timeout := cl.cfg.JoinTimeout
	if timeout == 0 {
		timeout = time.Minute
	}
	deadline := time.Now().Add(timeout)
	for {
		n := cl.ml.NumMembers()
		if n == cl.cfg.NumRanks {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d of %d nodes after %s",
				ErrJoinCluster, n, cl.cfg.NumRanks, timeout)
		}
		if len(cl.cfg.Join) > 0 && n < cl.cfg.NumRanks {
			cl.ml.Join(cl.cfg.Join)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// ranks assigns ranks by sorted node name and returns this node's rank,
// the cluster size, and the per-rank QUIC addresses.
func (cl *cluster) ranks() (rank, size int, addrs []string) {
	members := cl.ml.Members()
	names := make([]string, len(members))
	byName := make(map[string]*memberlist.Node, len(members))
	for i, node := range members {
		names[i] = node.Name
		byName[node.Name] = node
	}
	names = sortedNames(names)

	addrs = make([]string, len(names))
	for i, name := range names {
		node := byName[name]
		quicPort := binary.BigEndian.Uint16(node.Meta)
		addrs[i] = fmt.Sprintf("%s:%d", node.Addr.String(), quicPort)
		if name == cl.cfg.NodeName {
			rank = i
		}
	}
	return rank, len(names), addrs
}

func (cl *cluster) leave() {
	if err := cl.ml.Leave(2 * time.Second); err != nil {
		cl.logger.Warn("gossip leave failed", "error", err)
	}
	cl.ml.Shutdown()
}
