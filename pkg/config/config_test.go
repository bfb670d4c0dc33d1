package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[chain]
chain_id = 14

[network]
rpc_url = "http://node:9650/ext/bc/C/rpc"
max_inflight_requests = 4

[pipeline]
reorg_depth = 32
retry_attempts = 3

[snapshot]
publish = true
interval = 5000

[storage]
type = "s3"
bucket = "snapshots"
region = "eu-central-1"
`

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	cfg := DefaultBaseConfig
	require.NoError(t, ReadFile(path, &cfg))

	require.Equal(t, uint64(14), cfg.Chain.ChainID)
	require.Equal(t, 4, cfg.Network.MaxInflightRequests)
	require.Equal(t, uint64(32), cfg.Pipeline.ReorgDepth)
	require.Equal(t, uint64(3), cfg.Pipeline.RetryAttempts)
	require.Equal(t, uint64(5000), cfg.Snapshot.Interval)
	require.Equal(t, StorageTypeS3, cfg.Storage.Type)

	// untouched values keep their defaults
	require.Equal(t, defaultPipeline.MaxBlocksPerRound, cfg.Pipeline.MaxBlocksPerRound)
	require.Equal(t, defaultNetwork.HeaderBatchSize, cfg.Network.HeaderBatchSize)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*BaseConfig)
		ok     bool
	}{
		{name: "defaults", modify: func(*BaseConfig) {}, ok: true},
		{name: "missing chain id", modify: func(c *BaseConfig) { c.Chain.ChainID = 0 }},
		{name: "unknown checkpoint backend", modify: func(c *BaseConfig) { c.Checkpoint.Backend = "redis" }},
		{
			name:   "postgres without database",
			modify: func(c *BaseConfig) { c.Checkpoint.Backend = CheckpointBackendPostgres },
		},
		{name: "no in-flight requests", modify: func(c *BaseConfig) { c.Network.MaxInflightRequests = 0 }},
		{name: "zero retry attempts", modify: func(c *BaseConfig) { c.Pipeline.RetryAttempts = 0 }},
		{
			name:   "prune inside reorg window",
			modify: func(c *BaseConfig) { c.Pipeline.PruneDistance = c.Pipeline.ReorgDepth },
		},
		{
			name: "gcs without bucket",
			modify: func(c *BaseConfig) {
				c.Storage.Type = StorageTypeGCS
			},
		},
		{
			name: "storage ignored without snapshots",
			modify: func(c *BaseConfig) {
				c.Snapshot.Bootstrap = false
				c.Storage.Type = "ftp"
			},
			ok: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultBaseConfig
			tt.modify(&cfg)

			err := cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			require.True(t, core.IsKind(err, core.KindConfiguration))
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RPC_URL", "http://override:8545")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("POSTGRES_PASSWORD", "secret")

	cfg := DefaultBaseConfig
	cfg.ApplyEnvOverrides()

	require.Equal(t, "http://override:8545", cfg.Network.RPCURL)
	require.Equal(t, 6543, cfg.Checkpoint.Postgres.Port)
	require.Equal(t, "secret", cfg.Checkpoint.Postgres.Password)
}
