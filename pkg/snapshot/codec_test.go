package snapshot

import (
	"encoding/binary"
	"testing"

	"github.com/DataDog/zstd"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/flare-foundation/light-sync/pkg/network/networktest"
	"github.com/stretchr/testify/require"
)

const testChainID = 16

func testSnapshot() *Snapshot {
	chain := networktest.Generate(networktest.Options{ChainID: testChainID, Start: 100})

	state := chain.AnchorDump()
	state.Storage = []database.DumpStorage{
		{Address: chain.Addrs[0], Key: common.Hash{1}, Value: common.Hash{2}},
		{Address: chain.Addrs[1], Key: common.Hash{3}, Value: common.Hash{4}},
	}
	state.Codes = [][]byte{{0x60, 0x00}}

	return &Snapshot{
		ChainID:    testChainID,
		Checkpoint: core.Checkpoint{100, 100, 100, 100},
		Range:      core.BlockRange{Start: 0, End: 100},
		State:      state,
	}
}

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec(1 << 20)
	in := testSnapshot()

	data, err := codec.Encode(in)
	require.NoError(t, err)
	require.Equal(t, Magic, string(data[:4]))

	out, err := codec.Decode(data, testChainID)
	require.NoError(t, err)

	require.Equal(t, uint64(100), out.Block())
	require.Equal(t, in.Checkpoint, out.Checkpoint)
	require.Equal(t, in.Range, out.Range)
	require.Equal(t, in.State.Head.Hash(), out.State.Head.Hash())
	require.Equal(t, common.BytesToHash(data[len(data)-trailerSize:]), out.ContentHash)

	require.Len(t, out.State.Accounts, len(in.State.Accounts))
	for i := range in.State.Accounts {
		require.Equal(t, in.State.Accounts[i].Address, out.State.Accounts[i].Address)
		require.True(t, in.State.Accounts[i].Account.Equal(&out.State.Accounts[i].Account))
	}

	require.Equal(t, in.State.Storage, out.State.Storage)
	require.Equal(t, in.State.Codes, out.State.Codes)
}

func TestCodecDetectsCorruption(t *testing.T) {
	codec := NewCodec(1 << 20)

	data, err := codec.Encode(testSnapshot())
	require.NoError(t, err)

	tests := []struct {
		name   string
		offset int
	}{
		{name: "magic", offset: 0},
		{name: "version", offset: 7},
		{name: "chain id", offset: 15},
		{name: "block", offset: 23},
		{name: "payload length", offset: 31},
		{name: "payload start", offset: headerSize},
		{name: "payload middle", offset: headerSize + (len(data)-headerSize-trailerSize)/2},
		{name: "trailer", offset: len(data) - 1},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			corrupted := append([]byte{}, data...)
			corrupted[test.offset] ^= 0x01

			_, err := codec.Decode(corrupted, testChainID)
			require.Error(t, err)
			require.True(t, core.IsKind(err, core.KindSnapshotIntegrity), err.Error())
		})
	}

	t.Run("truncated", func(t *testing.T) {
		_, err := codec.Decode(data[:len(data)-1], testChainID)
		require.True(t, core.IsKind(err, core.KindSnapshotIntegrity))

		_, err = codec.Decode(data[:10], testChainID)
		require.True(t, core.IsKind(err, core.KindSnapshotIntegrity))
	})
}

func TestCodecRejectsOtherChain(t *testing.T) {
	codec := NewCodec(1 << 20)

	data, err := codec.Encode(testSnapshot())
	require.NoError(t, err)

	_, err = codec.Decode(data, testChainID+1)
	require.True(t, core.IsKind(err, core.KindSnapshotIntegrity))
}

func TestCodecSizeLimit(t *testing.T) {
	data, err := NewCodec(1 << 20).Encode(testSnapshot())
	require.NoError(t, err)

	_, err = NewCodec(64).Decode(data, testChainID)
	require.True(t, core.IsKind(err, core.KindSnapshotIntegrity))

	_, err = NewCodec(64).Encode(testSnapshot())
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

// frame wraps an arbitrary compressed payload in a well-formed artifact.
func frame(block uint64, compressed []byte) []byte {
	out := make([]byte, headerSize, headerSize+len(compressed)+trailerSize)
	copy(out, Magic)
	binary.BigEndian.PutUint32(out[4:8], CodecVersion)
	binary.BigEndian.PutUint64(out[8:16], testChainID)
	binary.BigEndian.PutUint64(out[16:24], block)
	binary.BigEndian.PutUint64(out[24:32], uint64(len(compressed)))
	out = append(out, compressed...)

	return append(out, crypto.Keccak256(out)...)
}

func TestCodecBoundsDecompression(t *testing.T) {
	zeros := make([]byte, 64<<20)
	compressed, err := zstd.Compress(nil, zeros)
	require.NoError(t, err)
	require.Less(t, len(compressed), 1<<20)

	data := frame(100, compressed)

	_, err = NewCodec(1 << 20).Decode(data, testChainID)
	require.True(t, core.IsKind(err, core.KindSnapshotIntegrity))
	require.ErrorIs(t, err, ErrDecompressedTooLarge)
}

func TestCodecRejectsInconsistentPayload(t *testing.T) {
	codec := NewCodec(1 << 20)

	snap := testSnapshot()
	snap.Range = core.BlockRange{Start: 0, End: 99}

	data, err := codec.Encode(snap)
	require.NoError(t, err)

	_, err = codec.Decode(data, testChainID)
	require.True(t, core.IsKind(err, core.KindSnapshotIntegrity))

	snap = testSnapshot()
	snap.Checkpoint = core.Checkpoint{100, 100, 101, 100}

	data, err = codec.Encode(snap)
	require.NoError(t, err)

	_, err = codec.Decode(data, testChainID)
	require.True(t, core.IsKind(err, core.KindSnapshotIntegrity))
}

func TestKeys(t *testing.T) {
	require.Equal(t, "snapshots/16/00000000000000500000.snap", ArtifactKey(16, 500_000))
	require.Equal(t, "snapshots/16/00000000000000500000.manifest.json", ManifestKey(16, 500_000))
}
