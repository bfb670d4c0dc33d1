package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/objstore"
	"github.com/pkg/errors"
)

const (
	artifactSuffix = ".snap"
	manifestSuffix = ".manifest.json"
)

// Manifest describes a published artifact. It is uploaded after the artifact.
type Manifest struct {
	ChainID      uint64      `json:"chain_id"`
	BlockNumber  uint64      `json:"block_number"`
	ContentHash  common.Hash `json:"content_hash"`
	ByteSize     uint64      `json:"byte_size"`
	CodecVersion uint32      `json:"codec_version"`
}

func Prefix(chainID uint64) string {
	return fmt.Sprintf("snapshots/%d/", chainID)
}

func baseKey(chainID, block uint64) string {
	return fmt.Sprintf("%s%020d", Prefix(chainID), block)
}

func ArtifactKey(chainID, block uint64) string {
	return baseKey(chainID, block) + artifactSuffix
}

func ManifestKey(chainID, block uint64) string {
	return baseKey(chainID, block) + manifestSuffix
}

// BestManifest returns the manifest with the highest block for chainID, or
// nil if none is published. Manifests that cannot be read or do not match
// their key are skipped.
func BestManifest(ctx context.Context, store objstore.Store, chainID uint64) (*Manifest, error) {
	keys, err := store.List(ctx, Prefix(chainID))
	if err != nil {
		return nil, err
	}

	var manifests []string
	for _, key := range keys {
		if strings.HasSuffix(key, manifestSuffix) {
			manifests = append(manifests, key)
		}
	}

	// zero padded block numbers sort numerically
	sort.Sort(sort.Reverse(sort.StringSlice(manifests)))

	for _, key := range manifests {
		m, err := readManifest(ctx, store, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			logger.Warnf("skipping snapshot manifest %s: %v", key, err)
			continue
		}

		if m.ChainID != chainID || ManifestKey(chainID, m.BlockNumber) != key {
			logger.Warnf("skipping snapshot manifest %s: does not match its key", key)
			continue
		}

		return m, nil
	}

	return nil, nil
}

func readManifest(ctx context.Context, store objstore.Store, key string) (*Manifest, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	m := new(Manifest)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}

	return m, nil
}
