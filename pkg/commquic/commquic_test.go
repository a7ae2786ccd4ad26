package commquic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mtdrift/photonpass"
	"github.com/mtdrift/photonpass/pkg/boxmesh"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "failed to generate private key")
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	require.NoError(t, err, "failed to generate CA")
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	require.NoError(t, err, "failed to generate leaf")
	return certDER
}

// testCluster builds mTLS configs and Config for n localhost nodes.
func testCluster(t *testing.T, n int) []*Config {
	t.Helper()

	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	const quicBase, gossipBase = 16021, 17946
	cfgs := make([]*Config, n)
	for i := 0; i < n; i++ {
		name := []string{"rank-000", "rank-001", "rank-002", "rank-003"}[i]
		key := generateKeyPair(t)
		leafDER := generateLeaf(t, ca, caKey, key, name)
		leaf, err := x509.ParseCertificate(leafDER)
		require.NoError(t, err)

		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}).WithAttrs([]slog.Attr{
			{Key: "emitter", Value: slog.StringValue(name)},
		})

		cfgs[i] = &Config{
			NodeName:   name,
			NumRanks:   n,
			BindAddr:   "127.0.0.1",
			BindPort:   quicBase + i,
			GossipPort: gossipBase + i,
			Join:       []string{net.JoinHostPort("127.0.0.1", "17946")},
			TlsConfig: &tls.Config{
				Certificates: []tls.Certificate{
					{
						Certificate: [][]byte{leafDER},
						Leaf:        leaf,
						PrivateKey:  key,
					},
				},
				ClientAuth: tls.RequireAndVerifyClientCert,
				ClientCAs:  caPool,
				RootCAs:    caPool,
				NextProtos: []string{"photonpass"},
			},
			JoinTimeout: 30 * time.Second,
			LogHandler:  handler,
		}
	}
	return cfgs
}

func TestTwoNodeExchange(t *testing.T) {
	if testing.Short() {
		t.Skip("real UDP sockets")
	}

	cfgs := testCluster(t, 2)
	comms := make([]*Comm, 2)

	var eg errgroup.Group
	for i := 0; i < 2; i++ {
		eg.Go(func() error {
			c, err := New(cfgs[i])
			comms[i] = c
			return err
		})
	}
	require.NoError(t, eg.Wait())
	defer comms[0].Shutdown()
	defer comms[1].Shutdown()

	require.Equal(t, 0, comms[0].Rank(), "rank order follows node name order")
	require.Equal(t, 1, comms[1].Rank())
	require.Equal(t, 2, comms[0].Size())

	t.Run("point to point stays FIFO per tag", func(t *testing.T) {
		var eg errgroup.Group
		eg.Go(func() error {
			for i := byte(0); i < 50; i++ {
				comms[0].Isend(1, photonpass.TagPhoton, []byte{i})
			}
			comms[0].Isend(1, photonpass.TagCount, photonpass.EncodeCount(99))
			return nil
		})
		eg.Go(func() error {
			for i := byte(0); i < 50; i++ {
				req := comms[1].Irecv(0, photonpass.TagPhoton)
				req.Wait()
				require.Equal(t, []byte{i}, req.Data())
			}
			req := comms[1].Irecv(0, photonpass.TagCount)
			req.Wait()
			v, err := photonpass.DecodeCount(req.Data())
			require.NoError(t, err)
			require.Equal(t, uint64(99), v)
			return nil
		})
		require.NoError(t, eg.Wait())
	})

	t.Run("collectives", func(t *testing.T) {
		totals := make([]uint64, 2)
		var eg errgroup.Group
		for i := 0; i < 2; i++ {
			eg.Go(func() error {
				comms[i].Barrier()
				totals[i] = comms[i].AllreduceSum(uint64(10 * (i + 1)))
				comms[i].Barrier()
				return nil
			})
		}
		require.NoError(t, eg.Wait())
		require.Equal(t, []uint64{30, 30}, totals)
	})
}

func TestTransportOverQUIC(t *testing.T) {
	if testing.Short() {
		t.Skip("real UDP sockets")
	}

	cfgs := testCluster(t, 2)
	for _, cfg := range cfgs {
		// keep ports distinct from TestTwoNodeExchange
		cfg.BindPort += 100
		cfg.GossipPort += 100
		cfg.Join = []string{net.JoinHostPort("127.0.0.1", "18046")}
	}

	results := make([]*photonpass.StepResult, 2)
	var eg errgroup.Group
	for rank := 0; rank < 2; rank++ {
		eg.Go(func() error {
			comm, err := New(cfgs[rank])
			if err != nil {
				return err
			}
			defer comm.Shutdown()

			mesh, err := boxmesh.New(boxmesh.Config{
				Nx: 2, Ny: 2, Nz: 2,
				Dx: 10, Dy: 10, Dz: 10,
				SigmaA: 1.0, Fleck: 1.0,
			}, comm.Rank(), 2)
			if err != nil {
				return err
			}

			dir := [3]float64{0, 0, 1}
			if comm.Rank() == 1 {
				dir[2] = -1
			}
			engine, err := photonpass.NewEngine(comm, mesh,
				photonpass.NewSplitMix(uint64(55+comm.Rank())),
				photonpass.WithLog(cfgs[rank].LogHandler),
				photonpass.WithParticleMessageSize(20),
			)
			if err != nil {
				return err
			}
			res, err := engine.Transport(
				boxmesh.NewAimedSource(mesh, 100, 0.5, dir), 1.0, 1.0)
			results[rank] = res
			return err
		})
	}
	require.NoError(t, eg.Wait())

	var complete uint64
	var energy float64
	for rank, res := range results {
		complete += res.NComplete
		energy += res.Tally.TotalAbsorbedE() + res.Tally.ExitE + res.Tally.CensusE
		require.True(t, res.Counters.Balanced(), "rank %d counters unbalanced", rank)
		require.NotZero(t, res.Counters.NPhotonsSent)
	}
	require.Equal(t, uint64(200), complete)
	require.InEpsilon(t, 1.0, energy, 1e-10)
}
