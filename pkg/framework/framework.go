package framework

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/light-sync/pkg/checkpoint"
	"github.com/flare-foundation/light-sync/pkg/config"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/flare-foundation/light-sync/pkg/metrics"
	"github.com/flare-foundation/light-sync/pkg/network"
	"github.com/flare-foundation/light-sync/pkg/objstore"
	"github.com/flare-foundation/light-sync/pkg/pipeline"
	"github.com/flare-foundation/light-sync/pkg/snapshot"
	"github.com/flare-foundation/light-sync/pkg/stages"
	"github.com/pkg/errors"
)

type CLIArgs struct {
	ConfigFile string `arg:"--config,env:CONFIG_FILE" default:"config.toml"`
}

// Input lets a binary replace the network client or the block executor.
// Nil fields fall back to the JSON-RPC client and the transfer executor.
type Input struct {
	NewClient   func(ctx context.Context, cfg *config.BaseConfig) (network.Client, error)
	NewExecutor func(cfg *config.BaseConfig) (stages.Executor, error)
}

func Run(input Input) error {
	var args CLIArgs
	arg.MustParse(&args)

	return runWithArgs(input, args)
}

func runWithArgs(input Input, args CLIArgs) error {
	cfg := config.DefaultBaseConfig
	if err := config.ReadFile(args.ConfigFile, &cfg); err != nil {
		return core.NewError(core.KindConfiguration, errors.Wrapf(err, "reading config file %s", args.ConfigFile))
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, input, &cfg)
}

func run(ctx context.Context, input Input, cfg *config.BaseConfig) error {
	logBuildVersion()

	db, err := database.Open(cfg.DB.Path, cfg.DB.HeaderCacheSize)
	if err != nil {
		return core.StorageError(err)
	}
	defer db.Close()

	backend, err := openCheckpointBackend(&cfg.Checkpoint)
	if err != nil {
		return core.StorageError(err)
	}

	checkpoints, err := checkpoint.Open(ctx, backend)
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	if _, err := snapshot.Reconcile(ctx, db, checkpoints); err != nil {
		return err
	}

	logger.Infof("starting from checkpoints %s", checkpoints.Snapshot())

	if err := sanityCheck(db, checkpoints); err != nil {
		return err
	}

	client, closeClient, err := newClient(ctx, input, cfg)
	if err != nil {
		return err
	}
	defer closeClient()

	executor, err := newExecutor(input, cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.ListenAddress != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddress); err != nil {
				logger.Errorf("metrics server error: %v", err)
			}
		}()
	}

	var objects objstore.Store
	if cfg.Snapshot.Bootstrap || cfg.Snapshot.Publish {
		objects, err = objstore.New(ctx, &cfg.Storage)
		if err != nil {
			return err
		}
		defer objects.Close()
	}

	codec := snapshot.NewCodec(cfg.Snapshot.MaxArtifactBytes)

	applied := false
	if cfg.Snapshot.Bootstrap {
		selector := snapshot.NewSelector(db, checkpoints, objects, codec, cfg.Chain.ChainID, cfg.Snapshot.Margin)

		applied, err = selector.Bootstrap(ctx)
		if err != nil {
			return err
		}
	}

	if !applied {
		if err := initGenesis(ctx, db, checkpoints, client, &cfg.Chain); err != nil {
			return err
		}
	}

	var opts []pipeline.Option
	if cfg.Snapshot.Publish {
		publisher := snapshot.NewPublisher(db, objects, codec, cfg.Chain.ChainID)

		done := make(chan struct{})
		go func() {
			publisher.Run(ctx)
			close(done)
		}()

		// Runs before the database is closed.
		defer func() {
			publisher.Close()
			<-done
		}()

		opts = append(opts, pipeline.WithPublisher(publisher, cfg.Snapshot.Interval))
	}

	orchestrator, err := pipeline.New(cfg, checkpoints, db, client, newStages(cfg, db, client, executor), opts...)
	if err != nil {
		return err
	}

	return orchestrator.Run(ctx)
}
