package photonpass

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Photon batches go on the wire as a varint record count followed by
// fixed-size little-endian records; a count message is a single uint64.
// The record layout is position, direction, cell id, energy, source
// energy, remaining path and one flag byte.
const photonRecordSize = 3*8 + 3*8 + 4 + 8 + 8 + 8 + 1

const (
	flagCensus = 1 << 0
	flagAlive  = 1 << 1
)

func appendFloat(buf []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
}

func readFloat(buf []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(buf))
}

// EncodePhotons serializes a batch. The empty batch encodes to the one-byte
// frame the quiescence handshake sends.
func EncodePhotons(photons []Photon) []byte {
	buf := protowire.AppendVarint(nil, uint64(len(photons)))
	for i := range photons {
		buf = appendPhoton(buf, &photons[i])
	}
	return buf
}

func appendPhoton(buf []byte, p *Photon) []byte {
	for i := 0; i < 3; i++ {
		buf = appendFloat(buf, p.Pos[i])
	}
	for i := 0; i < 3; i++ {
		buf = appendFloat(buf, p.Dir[i])
	}
	buf = binary.LittleEndian.AppendUint32(buf, p.Cell)
	buf = appendFloat(buf, p.E)
	buf = appendFloat(buf, p.SourceE)
	buf = appendFloat(buf, p.Remaining)
	var flags byte
	if p.Census {
		flags |= flagCensus
	}
	if p.Alive {
		flags |= flagAlive
	}
	return append(buf, flags)
}

// DecodePhotons parses a batch frame.
func DecodePhotons(buf []byte) ([]Photon, error) {
	n, read := protowire.ConsumeVarint(buf)
	if read < 0 {
		return nil, fmt.Errorf("wire: malformed photon batch header: %w", protowire.ParseError(read))
	}
	buf = buf[read:]
	if uint64(len(buf)) != n*photonRecordSize {
		return nil, fmt.Errorf("wire: photon batch of %d records wants %d bytes, got %d",
			n, n*photonRecordSize, len(buf))
	}
	photons := make([]Photon, n)
	for i := range photons {
		readPhoton(buf[uint64(i)*photonRecordSize:], &photons[i])
	}
	return photons, nil
}

func readPhoton(buf []byte, p *Photon) {
	off := 0
	for i := 0; i < 3; i++ {
		p.Pos[i] = readFloat(buf[off:])
		off += 8
	}
	for i := 0; i < 3; i++ {
		p.Dir[i] = readFloat(buf[off:])
		off += 8
	}
	p.Cell = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	p.E = readFloat(buf[off:])
	off += 8
	p.SourceE = readFloat(buf[off:])
	off += 8
	p.Remaining = readFloat(buf[off:])
	off += 8
	p.Census = buf[off]&flagCensus != 0
	p.Alive = buf[off]&flagAlive != 0
}

// EncodeCount serializes a completed-history count.
func EncodeCount(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

// DecodeCount parses a count message.
func DecodeCount(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, fmt.Errorf("wire: count message wants 8 bytes, got %d", len(buf))
	}
	return binary.LittleEndian.Uint64(buf), nil
}
