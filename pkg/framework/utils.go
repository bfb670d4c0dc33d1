package framework

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/checkpoint"
	"github.com/flare-foundation/light-sync/pkg/config"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/flare-foundation/light-sync/pkg/network"
	"github.com/flare-foundation/light-sync/pkg/stages"
	"github.com/flare-foundation/light-sync/pkg/vm"
	"github.com/pkg/errors"
)

func logBuildVersion() {
	build, err := config.ReadBuildVersion()
	if err != nil {
		logger.Debugf("no build version available: %v", err)
		return
	}

	logger.Infof("light-sync %s", build)
}

func openCheckpointBackend(cfg *config.Checkpoint) (checkpoint.Backend, error) {
	switch cfg.Backend {
	case config.CheckpointBackendPostgres:
		return checkpoint.OpenPostgres(&cfg.Postgres)
	case config.CheckpointBackendLevelDB:
		return checkpoint.OpenLevelDB(cfg.Path)
	default:
		return nil, errors.Errorf("unsupported checkpoint backend: %s", cfg.Backend)
	}
}

// sanityCheck fails when the chain database lags behind the checkpoints, as
// happens when either of them is pointed at the wrong location.
func sanityCheck(db *database.DB, checkpoints *checkpoint.Store) error {
	cp := checkpoints.Snapshot()

	executed, err := db.ExecutionHead()
	if err != nil {
		return core.StorageError(err)
	}

	if executed < cp[core.Execution] {
		return core.StorageError(errors.Errorf(
			"chain database is executed up to block %d but the execution checkpoint is %d", executed, cp[core.Execution],
		))
	}

	if cp[core.Headers] == 0 {
		return nil
	}

	if _, err := db.Header(cp[core.Headers]); err != nil {
		return core.StorageError(errors.Wrap(err, "chain database is missing the headers checkpoint block"))
	}

	return nil
}

func newClient(ctx context.Context, input Input, cfg *config.BaseConfig) (network.Client, func(), error) {
	if input.NewClient != nil {
		client, err := input.NewClient(ctx, cfg)
		return client, func() {}, err
	}

	rpc, err := network.Dial(ctx, cfg.Network.RPCURL, cfg.Network.MaxInflightRequests)
	if err != nil {
		return nil, nil, err
	}

	client := network.WithBackoff(rpc, cfg.Timeout.BackoffMaxElapsedTime(), cfg.Timeout.RequestTimeout())

	return client, rpc.Close, nil
}

func newExecutor(input Input, cfg *config.BaseConfig) (stages.Executor, error) {
	if input.NewExecutor != nil {
		return input.NewExecutor(cfg)
	}

	return vm.NewTransferExecutor(), nil
}

func newStages(cfg *config.BaseConfig, db *database.DB, client network.Client, executor stages.Executor) []stages.Stage {
	return []stages.Stage{
		stages.NewHeadersStage(db, client, cfg.Network.HeaderBatchSize, time.Duration(cfg.Network.MaxFutureSeconds)*time.Second),
		stages.NewBodiesStage(db, client, cfg.Network.BodyBatchSize),
		stages.NewExecutionStage(db, executor, cfg.Chain.ChainID, cfg.Pipeline.ExecutionWorkers),
		stages.NewCommitStage(db, cfg.Pipeline.PruneDistance, cfg.Pipeline.CompactOnPrune),
	}
}

// initGenesis writes the genesis block of an empty database. Databases that
// already hold a genesis header or were bootstrapped from a snapshot are left
// alone.
func initGenesis(
	ctx context.Context, db *database.DB, checkpoints *checkpoint.Store, client network.Client, cfg *config.Chain,
) error {
	if _, err := db.Header(0); err == nil {
		return nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return core.StorageError(err)
	}

	if checkpoints.Snapshot().Min() > 0 {
		return nil
	}

	headers, err := client.GetHeaders(ctx, core.BlockRange{Start: 0, End: 0})
	if err != nil {
		return errors.Wrap(err, "fetching genesis header")
	}

	if len(headers) != 1 {
		return core.NetworkError(errors.New("network did not serve the genesis header"))
	}

	genesis := headers[0]

	if cfg.GenesisHash != "" {
		if want := common.HexToHash(cfg.GenesisHash); genesis.Hash() != want {
			return core.Errorf(core.KindConfiguration, "network genesis %s does not match configured %s", genesis.Hash(), want)
		}
	}

	alloc := make(types.GenesisAlloc)
	if cfg.GenesisAllocFile != "" {
		alloc, err = database.ReadGenesisAlloc(cfg.GenesisAllocFile)
		if err != nil {
			return core.NewError(core.KindConfiguration, err)
		}
	}

	if err := db.InitGenesis(genesis, alloc); err != nil {
		return core.StorageError(err)
	}

	logger.Infof("initialised genesis %s with %d accounts", genesis.Hash(), len(alloc))

	return nil
}
