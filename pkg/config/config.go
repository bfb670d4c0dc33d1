package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/pkg/errors"
)

func ReadFile(filepath string, cfg interface{}) error {
	_, err := toml.DecodeFile(filepath, cfg)
	return err
}

type BaseConfig struct {
	Chain      Chain      `toml:"chain"`
	DB         DB         `toml:"db"`
	Checkpoint Checkpoint `toml:"checkpoint"`
	Network    Network    `toml:"network"`
	Pipeline   Pipeline   `toml:"pipeline"`
	Snapshot   Snapshot   `toml:"snapshot"`
	Storage    Storage    `toml:"storage"`
	Metrics    Metrics    `toml:"metrics"`
	Timeout    Timeout    `toml:"timeout"`
}

var DefaultBaseConfig = BaseConfig{
	Chain:      defaultChain,
	DB:         defaultDB,
	Checkpoint: defaultCheckpoint,
	Network:    defaultNetwork,
	Pipeline:   defaultPipeline,
	Snapshot:   defaultSnapshot,
	Storage:    defaultStorage,
	Timeout:    defaultTimeout,
}

type Chain struct {
	ChainID uint64 `toml:"chain_id"`
	// Optional. When set, the genesis header served by the network must match.
	GenesisHash      string `toml:"genesis_hash"`
	GenesisAllocFile string `toml:"genesis_alloc_file"`
}

var defaultChain = Chain{
	ChainID: 1,
}

type DB struct {
	Path string `toml:"path"`
	// Number of recently used headers kept in memory.
	HeaderCacheSize int `toml:"header_cache_size"`
}

var defaultDB = DB{
	Path:            "data/chain",
	HeaderCacheSize: 4096,
}

const (
	CheckpointBackendLevelDB  = "leveldb"
	CheckpointBackendPostgres = "postgres"
)

type Checkpoint struct {
	Backend  string   `toml:"backend"`
	Path     string   `toml:"path"`
	Postgres Postgres `toml:"postgres"`
}

var defaultCheckpoint = Checkpoint{
	Backend:  CheckpointBackendLevelDB,
	Path:     "data/checkpoints",
	Postgres: defaultPostgres,
}

type Postgres struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	DBName     string `toml:"db_name"`
	LogQueries bool   `toml:"log_queries"`
}

var defaultPostgres = Postgres{
	Host: "localhost",
	Port: 5432,
}

type Network struct {
	RPCURL              string `toml:"rpc_url"`
	MaxInflightRequests int    `toml:"max_inflight_requests"`
	HeaderBatchSize     uint64 `toml:"header_batch_size"`
	BodyBatchSize       uint64 `toml:"body_batch_size"`
	// Headers timestamped further than this in the future are rejected.
	MaxFutureSeconds uint64 `toml:"max_future_seconds"`
}

var defaultNetwork = Network{
	RPCURL:              "http://localhost:8545",
	MaxInflightRequests: 8,
	HeaderBatchSize:     128,
	BodyBatchSize:       32,
	MaxFutureSeconds:    15,
}

type Pipeline struct {
	MaxBlocksPerRound  uint64 `toml:"max_blocks_per_round"`
	ReorgDepth         uint64 `toml:"reorg_depth"`
	RetryAttempts      uint64 `toml:"retry_attempts"`
	PollIntervalMillis int    `toml:"poll_interval_millis"`
	ExecutionWorkers   int    `toml:"execution_workers"`
	// Change sets and bodies older than head-PruneDistance are removed. 0 disables pruning.
	PruneDistance  uint64 `toml:"prune_distance"`
	CompactOnPrune bool   `toml:"compact_on_prune"`
	// Stop once the commit stage reaches this block. 0 means follow the chain forever.
	EndBlock uint64 `toml:"end_block"`
}

var defaultPipeline = Pipeline{
	MaxBlocksPerRound:  1000,
	ReorgDepth:         64,
	RetryAttempts:      5,
	PollIntervalMillis: 5000,
	ExecutionWorkers:   4,
	PruneDistance:      90000,
}

func (p Pipeline) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMillis) * time.Millisecond
}

type Snapshot struct {
	// Apply a remote snapshot at startup when it is far enough ahead.
	Bootstrap bool `toml:"bootstrap"`
	// Upload a snapshot every Interval committed blocks.
	Publish          bool   `toml:"publish"`
	Interval         uint64 `toml:"interval"`
	Margin           uint64 `toml:"margin"`
	MaxArtifactBytes int64  `toml:"max_artifact_bytes"`
}

var defaultSnapshot = Snapshot{
	Bootstrap:        true,
	Interval:         100000,
	Margin:           1024,
	MaxArtifactBytes: 8 << 30,
}

const (
	StorageTypeFS  = "fs"
	StorageTypeS3  = "s3"
	StorageTypeGCS = "gcs"
)

type Storage struct {
	Type           string `toml:"type"`
	LocalPath      string `toml:"local_path"`
	Bucket         string `toml:"bucket"`
	Region         string `toml:"region"`
	Endpoint       string `toml:"endpoint"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

var defaultStorage = Storage{
	Type:      StorageTypeFS,
	LocalPath: "data/snapshots",
}

type Metrics struct {
	ListenAddress string `toml:"listen_address"`
}

type Timeout struct {
	RequestTimeoutMillis         int `toml:"request_timeout_millis"`
	BackoffMaxElapsedTimeSeconds int `toml:"backoff_max_elapsed_time_seconds"`
}

var defaultTimeout = Timeout{
	RequestTimeoutMillis:         3000,
	BackoffMaxElapsedTimeSeconds: 300,
}

func (t Timeout) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutMillis) * time.Millisecond
}

func (t Timeout) BackoffMaxElapsedTime() time.Duration {
	return time.Duration(t.BackoffMaxElapsedTimeSeconds) * time.Second
}

// ApplyEnvOverrides lets deployments inject endpoints and secrets without
// writing them to the config file.
func (c *BaseConfig) ApplyEnvOverrides() {
	if v := os.Getenv("RPC_URL"); v != "" {
		c.Network.RPCURL = v
	}

	if v := os.Getenv("DB_PATH"); v != "" {
		c.DB.Path = v
	}

	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		c.Checkpoint.Postgres.Host = v
	}

	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Checkpoint.Postgres.Port = port
		}
	}

	if v := os.Getenv("POSTGRES_USER"); v != "" {
		c.Checkpoint.Postgres.Username = v
	}

	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Checkpoint.Postgres.Password = v
	}

	if v := os.Getenv("POSTGRES_DB"); v != "" {
		c.Checkpoint.Postgres.DBName = v
	}

	if v := os.Getenv("SNAPSHOT_BUCKET"); v != "" {
		c.Storage.Bucket = v
	}
}

// Validate reports the first setting that cannot work. All failures are
// configuration errors.
func (c *BaseConfig) Validate() error {
	if err := c.validate(); err != nil {
		return core.NewError(core.KindConfiguration, err)
	}

	return nil
}

func (c *BaseConfig) validate() error {
	if c.Chain.ChainID == 0 {
		return errors.New("chain.chain_id must be set")
	}

	if c.DB.Path == "" {
		return errors.New("db.path must be set")
	}

	switch c.Checkpoint.Backend {
	case CheckpointBackendLevelDB:
		if c.Checkpoint.Path == "" {
			return errors.New("checkpoint.path must be set for the leveldb backend")
		}
	case CheckpointBackendPostgres:
		if c.Checkpoint.Postgres.DBName == "" {
			return errors.New("checkpoint.postgres.db_name must be set")
		}
	default:
		return errors.Errorf("unsupported checkpoint backend: %q", c.Checkpoint.Backend)
	}

	if c.Network.RPCURL == "" {
		return errors.New("network.rpc_url must be set")
	}

	if c.Network.MaxInflightRequests < 1 {
		return errors.New("network.max_inflight_requests must be at least 1")
	}

	if c.Network.HeaderBatchSize == 0 || c.Network.BodyBatchSize == 0 {
		return errors.New("network batch sizes must be positive")
	}

	if c.Pipeline.MaxBlocksPerRound == 0 {
		return errors.New("pipeline.max_blocks_per_round must be positive")
	}

	if c.Pipeline.RetryAttempts == 0 {
		return errors.New("pipeline.retry_attempts must be at least 1")
	}

	if c.Pipeline.PollIntervalMillis <= 0 {
		return errors.New("pipeline.poll_interval_millis must be positive")
	}

	if c.Pipeline.ExecutionWorkers < 1 {
		return errors.New("pipeline.execution_workers must be at least 1")
	}

	if c.Pipeline.PruneDistance != 0 && c.Pipeline.PruneDistance <= c.Pipeline.ReorgDepth {
		return errors.New("pipeline.prune_distance must exceed pipeline.reorg_depth")
	}

	if c.Snapshot.Publish && c.Snapshot.Interval == 0 {
		return errors.New("snapshot.interval must be positive when publishing")
	}

	if c.Snapshot.Publish || c.Snapshot.Bootstrap {
		if err := c.Storage.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (s Storage) validate() error {
	switch s.Type {
	case StorageTypeFS:
		if s.LocalPath == "" {
			return errors.New("storage.local_path must be set for fs storage")
		}
	case StorageTypeS3:
		if s.Bucket == "" || s.Region == "" {
			return errors.New("storage.bucket and storage.region must be set for s3 storage")
		}
	case StorageTypeGCS:
		if s.Bucket == "" {
			return errors.New("storage.bucket must be set for gcs storage")
		}
	default:
		return errors.Errorf("unsupported storage type: %q", s.Type)
	}

	return nil
}
