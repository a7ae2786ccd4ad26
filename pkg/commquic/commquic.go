// Package commquic is the inter-process Comm: ranks are separate
// processes peered over mTLS QUIC. Membership is bootstrapped with a
// memberlist gossip pool; once every expected node has joined, ranks are
// assigned by sorted node name and point-to-point links are dialed lazily.
//
// Each direction of each pair rides a single long-lived QUIC stream, which
// is what gives the engine its per-pair FIFO guarantee. Message-layer
// failures are fail-stop at rank granularity: a broken stream panics
// rather than propagating per-history errors.
package commquic

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mtdrift/photonpass"
)

var (
	ErrNoTLSConfig  = errors.New("commquic: TlsConfig is required")
	ErrJoinCluster  = errors.New("commquic: could not assemble the expected cluster")
	ErrNodeName     = errors.New("commquic: node name is required and must be unique")
	ErrRankCount    = errors.New("commquic: NumRanks must be at least 1")
	ErrProtocol     = errors.New("commquic: protocol violation")
	ErrShutdown     = errors.New("commquic: shutting down")
	errStreamBroken = errors.New("commquic: peer stream broken")
)

// Internal tags, distinct from the engine's photon and count tags.
const (
	tagBarrier = 100
	tagReduce  = 101
)

// Config for one rank's endpoint.
type Config struct {
	// NodeName is this process's unique name in the gossip pool. Rank
	// order is the sorted order of node names, so name your processes
	// with a sortable scheme ("rank-000", "rank-001", ...).
	NodeName string

	// NumRanks is the expected cluster size; New blocks until that many
	// nodes have joined.
	NumRanks int

	// BindAddr is used for both the QUIC listener (BindPort) and the
	// memberlist gossip pool (GossipPort).
	BindAddr   string
	BindPort   int
	GossipPort int

	// Join lists gossip addresses of any already-running nodes.
	Join []string

	// TlsConfig should be configured for mTLS; it is the only
	// authentication between ranks.
	TlsConfig *tls.Config

	// JoinTimeout bounds the wait for the full cluster. Zero means a
	// minute.
	JoinTimeout time.Duration

	// DialTimeout bounds peer connection establishment. Zero means
	// thirty seconds.
	DialTimeout time.Duration

	LogHandler   slog.Handler
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// Comm is one rank's endpoint. Safe for use by a single driver goroutine,
// as the engine requires.
type Comm struct {
	cfg    *Config
	logger *slog.Logger
	msink  metrics.MetricSink

	rank  int
	size  int
	addrs []string // rank -> quic host:port

	mbox *photonpass.Mailbox

	cluster *cluster
	tr      *quic.Transport
	ln      *quic.Listener
	udpLn   *net.UDPConn

	peers    map[int]*peer
	peersMu  sync.Mutex
	shutdown chan struct{}
	done     sync.WaitGroup
}

type peer struct {
	writeCh chan outbound
}

type outbound struct {
	tag     int
	payload []byte
	req     *photonpass.Request
}

var _ photonpass.Comm = (*Comm)(nil)

// New starts the endpoint: gossip pool, QUIC listener, and the blocking
// wait for the full cluster.
func New(cfg *Config) (c *Comm, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	if cfg.NodeName == "" {
		return nil, ErrNodeName
	}
	if cfg.NumRanks < 1 {
		return nil, ErrRankCount
	}

	c = &Comm{
		cfg:      cfg,
		mbox:     photonpass.NewMailbox(),
		peers:    make(map[int]*peer),
		shutdown: make(chan struct{}),
	}

	if cfg.LogHandler == nil {
		c.logger = slog.Default()
	} else {
		c.logger = slog.New(cfg.LogHandler)
	}
	if cfg.MetricSink == nil {
		c.msink = &metrics.BlackholeSink{}
	} else {
		c.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			c.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}
	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("commquic: failed to allocate UDP listener: %w", err)
	}
	c.udpLn = udpLn

	c.tr = &quic.Transport{Conn: udpLn}
	ln, err := c.tr.Listen(cfg.TlsConfig, &quic.Config{
		Versions:       []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout: 5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("commquic: failed to allocate QUIC listener: %w", err)
	}
	c.ln = ln

	c.cluster, err = joinCluster(cfg, c.logger)
	if err != nil {
		return nil, err
	}
	c.rank, c.size, c.addrs = c.cluster.ranks()

	c.logger.Info("cluster assembled",
		"rank", c.rank,
		"size", c.size)

	c.done.Add(1)
	go c.acceptLoop()
	return c, nil
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return c.size }

// Isend hands the frame to the destination's writer goroutine; the request
// completes once the frame is on the stream.
func (c *Comm) Isend(dst, tag int, payload []byte) *photonpass.Request {
	req := photonpass.NewRequest()
	buf := append([]byte(nil), payload...)
	c.peer(dst).writeCh <- outbound{tag: tag, payload: buf, req: req}
	return req
}

func (c *Comm) Irecv(src, tag int) *photonpass.Request {
	return c.mbox.Post(src, tag)
}

// Barrier is a dissemination barrier over the reserved tag: log2(size)
// rounds of shifted partner exchanges.
func (c *Comm) Barrier() {
	for k := 1; k < c.size; k <<= 1 {
		out := (c.rank + k) % c.size
		in := (c.rank - k + c.size) % c.size
		c.Isend(out, tagBarrier, []byte{byte(k)})
		c.Irecv(in, tagBarrier).Wait()
	}
}

// AllreduceSum gathers to rank 0 and broadcasts the total back.
func (c *Comm) AllreduceSum(v uint64) uint64 {
	if c.rank != 0 {
		c.Isend(0, tagReduce, photonpass.EncodeCount(v))
		req := c.Irecv(0, tagReduce)
		req.Wait()
		total, err := photonpass.DecodeCount(req.Data())
		if err != nil {
			panic(err)
		}
		return total
	}

	total := v
	reqs := make([]*photonpass.Request, c.size-1)
	for src := 1; src < c.size; src++ {
		reqs[src-1] = c.Irecv(src, tagReduce)
	}
	for _, req := range reqs {
		req.Wait()
		part, err := photonpass.DecodeCount(req.Data())
		if err != nil {
			panic(err)
		}
		total += part
	}
	for dst := 1; dst < c.size; dst++ {
		c.Isend(dst, tagReduce, photonpass.EncodeCount(total))
	}
	return total
}

// Shutdown tears the endpoint down. Call only after the engine's step has
// returned; quiescence guarantees no message is still in flight.
func (c *Comm) Shutdown() error {
	select {
	case <-c.shutdown:
		return nil
	default:
	}
	close(c.shutdown)

	if c.cluster != nil {
		c.cluster.leave()
	}
	if c.ln != nil {
		c.ln.Close()
	}
	if c.tr != nil {
		c.tr.Close()
	}
	if c.udpLn != nil {
		c.udpLn.Close()
	}
	return nil
}

// peer returns dst's writer, dialing its stream on first use.
func (c *Comm) peer(dst int) *peer {
	c.peersMu.Lock()
	p, ok := c.peers[dst]
	if !ok {
		p = &peer{writeCh: make(chan outbound, 64)}
		c.peers[dst] = p
		c.done.Add(1)
		go c.writeLoop(dst, p)
	}
	c.peersMu.Unlock()
	return p
}

func (c *Comm) writeLoop(dst int, p *peer) {
	defer c.done.Done()

	timeout := c.cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	conn, err := c.tr.Dial(ctx, c.resolve(dst), c.cfg.TlsConfig, &quic.Config{
		Versions:       []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout: 5 * time.Minute,
	})
	cancel()
	if err != nil {
		c.fatal(dst, fmt.Errorf("commquic: failed to dial rank %d: %w", dst, err))
		return
	}

	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		c.fatal(dst, fmt.Errorf("commquic: failed to open stream to rank %d: %w", dst, err))
		return
	}

	// init frame: our rank, so the acceptor can attribute inbound
	// messages
	if _, err := stream.Write(protowire.AppendVarint(nil, uint64(c.rank))); err != nil {
		c.fatal(dst, fmt.Errorf("%w: %w", errStreamBroken, err))
		return
	}

	for {
		select {
		case <-c.shutdown:
			stream.Close()
			return
		case msg := <-p.writeCh:
			frame := protowire.AppendVarint(nil, uint64(msg.tag))
			frame = protowire.AppendVarint(frame, uint64(len(msg.payload)))
			frame = append(frame, msg.payload...)
			if _, err := stream.Write(frame); err != nil {
				c.fatal(dst, fmt.Errorf("%w: %w", errStreamBroken, err))
				return
			}
			msg.req.Complete(nil)
		}
	}
}

func (c *Comm) acceptLoop() {
	defer c.done.Done()
	for {
		conn, err := c.ln.Accept(context.Background())
		if err != nil {
			select {
			case <-c.shutdown:
				return
			default:
				c.logger.Warn("unexpected QUIC listener closure", "error", err)
				return
			}
		}
		c.done.Add(1)
		go c.readConn(conn)
	}
}

func (c *Comm) readConn(conn quic.Connection) {
	defer c.done.Done()
	stream, err := conn.AcceptStream(context.Background())
	if err != nil {
		select {
		case <-c.shutdown:
		default:
			c.logger.Warn("error accepting peer stream", "error", err)
		}
		return
	}

	br := bufio.NewReader(stream)
	src, err := binary.ReadUvarint(br)
	if err != nil {
		c.logger.Error("peer stream closed before init frame", "error", err)
		return
	}

	logger := c.logger.With(photonpass.LabelPeerRank.L(src))
	logger.Debug("peer stream established")

	for {
		tag, err := binary.ReadUvarint(br)
		if err != nil {
			if c.readerDone(err) {
				return
			}
			c.fatal(int(src), fmt.Errorf("%w: %w", errStreamBroken, err))
			return
		}
		size, err := binary.ReadUvarint(br)
		if err != nil {
			c.fatal(int(src), fmt.Errorf("%w: %w", errStreamBroken, err))
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			c.fatal(int(src), fmt.Errorf("%w: %w", errStreamBroken, err))
			return
		}
		c.mbox.Deliver(int(src), int(tag), payload)
	}
}

// readerDone reports whether a stream error is the orderly end of the
// peer's stream (its Shutdown) rather than a mid-step failure.
func (c *Comm) readerDone(err error) bool {
	select {
	case <-c.shutdown:
		return true
	default:
	}
	return errors.Is(err, io.EOF)
}

// fatal is the fail-stop policy: the protocol presumes reliable in-order
// delivery, so a broken link mid-step is unrecoverable for this rank.
func (c *Comm) fatal(peerRank int, err error) {
	select {
	case <-c.shutdown:
		return
	default:
	}
	c.logger.Error("fatal message-layer failure",
		photonpass.LabelPeerRank.L(peerRank),
		photonpass.LabelError.L(err.Error()))
	panic(err)
}

func (c *Comm) resolve(dst int) *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp", c.addrs[dst])
	if err != nil {
		panic(fmt.Errorf("commquic: invalid peer address %q: %w", c.addrs[dst], err))
	}
	return addr
}

// sortedNames is shared with cluster.go; rank order is name order.
func sortedNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
