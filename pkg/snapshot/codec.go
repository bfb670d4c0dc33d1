// Package snapshot packages committed chain state into verifiable artifacts,
// publishes them to an object store and applies them at startup.
package snapshot

import (
	"bytes"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/pkg/errors"
)

// Artifact layout, integers big-endian:
//
//	magic [4] | codec version u32 | chain id u64 | block u64 | payload length u64 |
//	payload | keccak256(everything before)
//
// The payload is the zstd compressed RLP encoding of payload.
const (
	Magic               = "LSNP"
	CodecVersion uint32 = 1

	headerSize  = 32
	trailerSize = common.HashLength
)

// Snapshot is the decoded content of an artifact.
type Snapshot struct {
	ChainID    uint64
	Checkpoint core.Checkpoint
	// Blocks whose effects are contained in State.
	Range core.BlockRange
	State *database.StateDump

	// Set by Decode.
	ContentHash common.Hash
}

func (s *Snapshot) Block() uint64 {
	return s.State.Head.Number.Uint64()
}

type payload struct {
	Checkpoint core.Checkpoint
	Range      core.BlockRange
	Head       *types.Header
	Accounts   []database.DumpAccount
	Storage    []database.DumpStorage
	Codes      [][]byte
}

type Codec struct {
	compressor *payloadCompressor
}

// NewCodec limits the uncompressed payload to maxPayloadSize bytes in both
// directions.
func NewCodec(maxPayloadSize int64) *Codec {
	return &Codec{compressor: newPayloadCompressor(maxPayloadSize)}
}

func (c *Codec) Encode(s *Snapshot) ([]byte, error) {
	if s.State == nil || s.State.Head == nil {
		return nil, errors.New("snapshot without state head")
	}

	raw, err := rlp.EncodeToBytes(&payload{
		Checkpoint: s.Checkpoint,
		Range:      s.Range,
		Head:       s.State.Head,
		Accounts:   s.State.Accounts,
		Storage:    s.State.Storage,
		Codes:      s.State.Codes,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding snapshot payload")
	}

	compressed, err := c.compressor.Compress(raw)
	if err != nil {
		return nil, errors.Wrap(err, "compressing snapshot payload")
	}

	out := make([]byte, headerSize, headerSize+len(compressed)+trailerSize)
	copy(out, Magic)
	binary.BigEndian.PutUint32(out[4:8], CodecVersion)
	binary.BigEndian.PutUint64(out[8:16], s.ChainID)
	binary.BigEndian.PutUint64(out[16:24], s.Block())
	binary.BigEndian.PutUint64(out[24:32], uint64(len(compressed)))

	out = append(out, compressed...)

	return append(out, crypto.Keccak256(out)...), nil
}

func integrityError(format string, args ...interface{}) error {
	return core.Errorf(core.KindSnapshotIntegrity, format, args...)
}

// Decode verifies and decodes an artifact produced for chainID. Every
// failure is a KindSnapshotIntegrity error.
func (c *Codec) Decode(data []byte, chainID uint64) (*Snapshot, error) {
	if len(data) < headerSize+trailerSize {
		return nil, integrityError("artifact of %d bytes is truncated", len(data))
	}

	body, trailer := data[:len(data)-trailerSize], data[len(data)-trailerSize:]
	if !bytes.Equal(crypto.Keccak256(body), trailer) {
		return nil, integrityError("content hash mismatch")
	}

	if string(body[:4]) != Magic {
		return nil, integrityError("bad magic %x", body[:4])
	}

	if v := binary.BigEndian.Uint32(body[4:8]); v != CodecVersion {
		return nil, integrityError("unsupported codec version %d", v)
	}

	if id := binary.BigEndian.Uint64(body[8:16]); id != chainID {
		return nil, integrityError("artifact for chain %d, expected %d", id, chainID)
	}

	block := binary.BigEndian.Uint64(body[16:24])

	if n := binary.BigEndian.Uint64(body[24:32]); n != uint64(len(body)-headerSize) {
		return nil, integrityError("payload length %d, artifact carries %d", n, len(body)-headerSize)
	}

	raw, err := c.compressor.Decompress(body[headerSize:])
	if err != nil {
		return nil, core.NewError(core.KindSnapshotIntegrity, errors.Wrap(err, "decompressing payload"))
	}

	var p payload
	if err := rlp.DecodeBytes(raw, &p); err != nil {
		return nil, core.NewError(core.KindSnapshotIntegrity, errors.Wrap(err, "decoding payload"))
	}

	if err := p.check(block); err != nil {
		return nil, err
	}

	return &Snapshot{
		ChainID:    chainID,
		Checkpoint: p.Checkpoint,
		Range:      p.Range,
		State: &database.StateDump{
			Head:     p.Head,
			Accounts: p.Accounts,
			Storage:  p.Storage,
			Codes:    p.Codes,
		},
		ContentHash: common.BytesToHash(trailer),
	}, nil
}

func (p *payload) check(block uint64) error {
	if p.Head == nil || p.Head.Number == nil || p.Head.Number.Uint64() != block {
		return integrityError("head header does not match block %d", block)
	}

	if p.Range.Start > p.Range.End || p.Range.End != block {
		return integrityError("range %s does not end at block %d", p.Range, block)
	}

	if !p.Checkpoint.Ordered() || p.Checkpoint[core.Headers] > block {
		return integrityError("checkpoint %s is inconsistent with block %d", p.Checkpoint, block)
	}

	for i := range p.Accounts {
		if p.Accounts[i].Account.Balance == nil {
			return integrityError("account %s without balance", p.Accounts[i].Address)
		}
	}

	return nil
}
