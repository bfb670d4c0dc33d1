package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flare-foundation/light-sync/pkg/checkpoint"
	"github.com/flare-foundation/light-sync/pkg/config"
	"github.com/flare-foundation/light-sync/pkg/core"
	"github.com/flare-foundation/light-sync/pkg/database"
	"github.com/flare-foundation/light-sync/pkg/network/networktest"
	"github.com/flare-foundation/light-sync/pkg/stages"
	"github.com/flare-foundation/light-sync/pkg/vm"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

const testChainID = 16

type testPipeline struct {
	chain  *networktest.Chain
	client *networktest.Client
	db     *database.DB
	store  *checkpoint.Store
	orch   *Orchestrator
}

func testConfig() config.BaseConfig {
	cfg := config.DefaultBaseConfig
	cfg.Chain.ChainID = testChainID
	cfg.Network.HeaderBatchSize = 8
	cfg.Network.BodyBatchSize = 4
	cfg.Network.MaxInflightRequests = 2
	cfg.Pipeline.ReorgDepth = 3
	cfg.Pipeline.RetryAttempts = 3
	cfg.Pipeline.PruneDistance = 0
	cfg.Pipeline.PollIntervalMillis = 10

	return cfg
}

func zeroBackOff() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

func newTestPipeline(t *testing.T, cfg config.BaseConfig, chain *networktest.Chain, opts ...Option) *testPipeline {
	t.Helper()

	client := networktest.NewClient(chain)

	db, err := database.NewWithStorage(storage.NewMemStorage(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.InitGenesis(chain.Header(0), chain.Alloc()))

	backend, err := checkpoint.NewLevelDBWithStorage(storage.NewMemStorage())
	require.NoError(t, err)

	store, err := checkpoint.Open(context.Background(), backend)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	stageList := []stages.Stage{
		stages.NewHeadersStage(db, client, cfg.Network.HeaderBatchSize, 15*time.Second),
		stages.NewBodiesStage(db, client, cfg.Network.BodyBatchSize),
		stages.NewExecutionStage(db, vm.NewTransferExecutor(), cfg.Chain.ChainID, cfg.Pipeline.ExecutionWorkers),
		stages.NewCommitStage(db, cfg.Pipeline.PruneDistance, false),
	}

	opts = append([]Option{WithRetryBackOff(zeroBackOff)}, opts...)
	orch, err := New(&cfg, store, db, client, stageList, opts...)
	require.NoError(t, err)

	return &testPipeline{chain: chain, client: client, db: db, store: store, orch: orch}
}

func generate(opts networktest.Options) *networktest.Chain {
	opts.ChainID = testChainID
	return networktest.Generate(opts)
}

func TestNewRejectsStageOrder(t *testing.T) {
	cfg := testConfig()
	chain := generate(networktest.Options{Blocks: 1})
	tp := newTestPipeline(t, cfg, chain)

	swapped := []stages.Stage{tp.orch.stages[1], tp.orch.stages[0], tp.orch.stages[2], tp.orch.stages[3]}
	_, err := New(&cfg, tp.store, tp.db, tp.client, swapped)
	require.True(t, core.IsKind(err, core.KindConfiguration))

	_, err = New(&cfg, tp.store, tp.db, tp.client, swapped[:3])
	require.True(t, core.IsKind(err, core.KindConfiguration))
}

func TestFullSyncIsMonotonic(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.MaxBlocksPerRound = 7
	tp := newTestPipeline(t, cfg, generate(networktest.Options{Blocks: 40, TxsPerBlock: 2}))
	ctx := context.Background()

	prev := tp.store.Snapshot()
	for i := 0; i < 20; i++ {
		progressed, err := tp.orch.RunRound(ctx)
		require.NoError(t, err)

		cp := tp.store.Snapshot()
		require.True(t, cp.Ordered(), cp.String())
		for _, id := range core.PipelineOrder {
			require.GreaterOrEqual(t, cp[id], prev[id], "%s went backwards", id)
			require.LessOrEqual(t, cp[id]-prev[id], cfg.Pipeline.MaxBlocksPerRound)
		}

		prev = cp
		if !progressed {
			break
		}
	}

	require.Equal(t, core.Checkpoint{40, 40, 40, 40}, tp.store.Snapshot())

	head, err := tp.db.CanonicalHead()
	require.NoError(t, err)
	require.Equal(t, uint64(40), head)
}

func TestRetryableFailureKeepsCheckpoints(t *testing.T) {
	cfg := testConfig()
	tp := newTestPipeline(t, cfg, generate(networktest.Options{Blocks: 10, TxsPerBlock: 1}))
	ctx := context.Background()

	// every attempt of the round sees a bad body
	tp.client.CorruptBody(6, int(cfg.Pipeline.RetryAttempts))

	_, err := tp.orch.RunRound(ctx)
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindValidation))
	require.Equal(t, core.Checkpoint{10, 0, 0, 0}, tp.store.Snapshot())

	_, err = tp.db.Body(1)
	require.True(t, errors.Is(err, database.ErrNotFound))

	require.NoError(t, tp.orch.SyncToHead(ctx))
	require.Equal(t, core.Checkpoint{10, 10, 10, 10}, tp.store.Snapshot())
}

func TestRetryWithinRound(t *testing.T) {
	cfg := testConfig()
	tp := newTestPipeline(t, cfg, generate(networktest.Options{Blocks: 10, TxsPerBlock: 1}))

	tp.client.CorruptBody(3, int(cfg.Pipeline.RetryAttempts)-1)
	tp.client.FailHeaders(int(cfg.Pipeline.RetryAttempts) - 1)

	progressed, err := tp.orch.RunRound(context.Background())
	require.NoError(t, err)
	require.True(t, progressed)
	require.Equal(t, core.Checkpoint{10, 10, 10, 10}, tp.store.Snapshot())
}

func TestInvalidBlockUnwindsAndRecovers(t *testing.T) {
	cfg := testConfig()
	bad := generate(networktest.Options{Blocks: 20, TxsPerBlock: 1, InvalidTxAt: 12})
	good := generate(networktest.Options{Blocks: 20, TxsPerBlock: 1})

	tp := newTestPipeline(t, cfg, bad)
	tp.client.SwitchOnRefetch(good)
	ctx := context.Background()

	progressed, err := tp.orch.RunRound(ctx)
	require.NoError(t, err)
	require.True(t, progressed)

	// unwound to 12 - reorg depth
	require.Equal(t, core.Checkpoint{9, 9, 0, 0}, tp.store.Snapshot())

	_, err = tp.db.Header(10)
	require.True(t, errors.Is(err, database.ErrNotFound))

	require.NoError(t, tp.orch.SyncToHead(ctx))
	require.Equal(t, core.Checkpoint{20, 20, 20, 20}, tp.store.Snapshot())

	// headers resumed right after the unwind target
	requests := tp.client.HeaderRequests()
	var resumed bool
	for _, rng := range requests {
		if rng.Start == 10 {
			resumed = true
		}
	}
	require.True(t, resumed)

	reference := newTestPipeline(t, cfg, good)
	require.NoError(t, reference.orch.SyncToHead(ctx))
	requireSameState(t, reference.db, tp.db)
}

func TestBadParentIsRefetchedWithoutUnwind(t *testing.T) {
	cfg := testConfig()
	tp := newTestPipeline(t, cfg, generate(networktest.Options{Blocks: 20, TxsPerBlock: 1}))
	ctx := context.Background()

	tp.client.SetHead(10)
	require.NoError(t, tp.orch.SyncToHead(ctx))
	require.Equal(t, core.Checkpoint{10, 10, 10, 10}, tp.store.Snapshot())
	synced := len(tp.client.HeaderRequests())

	tp.client.SetHead(20)
	tp.client.BreakParent(11, int(cfg.Pipeline.RetryAttempts)-1)

	progressed, err := tp.orch.RunRound(ctx)
	require.NoError(t, err)
	require.True(t, progressed)
	require.Equal(t, core.Checkpoint{20, 20, 20, 20}, tp.store.Snapshot())

	// committed blocks were never refetched
	for _, rng := range tp.client.HeaderRequests()[synced:] {
		require.GreaterOrEqual(t, rng.Start, uint64(11))
	}
}

func TestPersistentBadParentUnwinds(t *testing.T) {
	cfg := testConfig()
	tp := newTestPipeline(t, cfg, generate(networktest.Options{Blocks: 20, TxsPerBlock: 1}))
	ctx := context.Background()

	tp.client.SetHead(10)
	require.NoError(t, tp.orch.SyncToHead(ctx))

	tp.client.SetHead(20)
	tp.client.BreakParent(11, int(cfg.Pipeline.RetryAttempts))

	progressed, err := tp.orch.RunRound(ctx)
	require.NoError(t, err)
	require.True(t, progressed)

	// unwound to 11 - reorg depth
	require.Equal(t, core.Checkpoint{8, 8, 8, 8}, tp.store.Snapshot())

	require.NoError(t, tp.orch.SyncToHead(ctx))
	require.Equal(t, core.Checkpoint{20, 20, 20, 20}, tp.store.Snapshot())
}

func TestUnwind(t *testing.T) {
	cfg := testConfig()
	chain := generate(networktest.Options{Blocks: 30, TxsPerBlock: 2})
	tp := newTestPipeline(t, cfg, chain)
	ctx := context.Background()

	require.NoError(t, tp.orch.SyncToHead(ctx))
	require.Equal(t, core.Checkpoint{30, 30, 30, 30}, tp.store.Snapshot())

	require.NoError(t, tp.orch.Unwind(ctx, 18))
	require.Equal(t, core.Checkpoint{18, 18, 18, 18}, tp.store.Snapshot())

	for _, check := range []func() (uint64, error){tp.db.ExecutionHead, tp.db.CanonicalHead} {
		n, err := check()
		require.NoError(t, err)
		require.Equal(t, uint64(18), n)
	}

	_, err := tp.db.Header(19)
	require.True(t, errors.Is(err, database.ErrNotFound))
	_, err = tp.db.Body(19)
	require.True(t, errors.Is(err, database.ErrNotFound))

	require.NoError(t, tp.orch.SyncToHead(ctx))

	reference := newTestPipeline(t, cfg, chain)
	require.NoError(t, reference.orch.SyncToHead(ctx))
	requireSameState(t, reference.db, tp.db)
}

func TestUnwindStopsAtHistoryFloor(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.PruneDistance = 10
	tp := newTestPipeline(t, cfg, generate(networktest.Options{Blocks: 30, TxsPerBlock: 1}))
	ctx := context.Background()

	require.NoError(t, tp.orch.SyncToHead(ctx))

	floor, err := tp.db.HistoryFloor()
	require.NoError(t, err)
	require.Equal(t, uint64(20), floor)

	require.NoError(t, tp.orch.Unwind(ctx, 5))
	require.Equal(t, core.Checkpoint{20, 20, 20, 20}, tp.store.Snapshot())
}

type recordingPublisher struct {
	mu     sync.Mutex
	blocks []uint64
}

func (p *recordingPublisher) Publish(block uint64, cp core.Checkpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cp[core.Commit] == block {
		p.blocks = append(p.blocks, block)
	}
}

func TestPublishesAtIntervalBoundaries(t *testing.T) {
	cfg := testConfig()
	pub := &recordingPublisher{}
	tp := newTestPipeline(t, cfg, generate(networktest.Options{Blocks: 35, TxsPerBlock: 1}), WithPublisher(pub, 10))

	require.NoError(t, tp.orch.SyncToHead(context.Background()))
	require.Equal(t, core.Checkpoint{35, 35, 35, 35}, tp.store.Snapshot())
	require.Equal(t, []uint64{10, 20, 30}, pub.blocks)
}

func TestRunStopsAtEndBlock(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.EndBlock = 12
	tp := newTestPipeline(t, cfg, generate(networktest.Options{Blocks: 20, TxsPerBlock: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, tp.orch.Run(ctx))
	require.Equal(t, core.Checkpoint{12, 12, 12, 12}, tp.store.Snapshot())
}

func TestRunFollowsHeadUntilCancelled(t *testing.T) {
	cfg := testConfig()
	tp := newTestPipeline(t, cfg, generate(networktest.Options{Blocks: 20, TxsPerBlock: 1}))
	tp.client.SetHead(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tp.orch.Run(ctx) }()

	require.Eventually(t, func() bool { return tp.store.Get(core.Commit) == 8 }, 5*time.Second, 10*time.Millisecond)

	tp.client.SetHead(20)
	require.Eventually(t, func() bool { return tp.store.Get(core.Commit) == 20 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestIsFatal(t *testing.T) {
	require.True(t, IsFatal(core.StorageError(errors.New("disk"))))
	require.True(t, IsFatal(errors.Wrap(checkpoint.ErrOrder, "x")))
	require.True(t, IsFatal(core.Errorf(core.KindConfiguration, "bad")))
	require.False(t, IsFatal(core.NetworkError(errors.New("timeout"))))
	require.False(t, IsFatal(core.Errorf(core.KindValidation, "bad root")))
}

func requireSameState(t *testing.T, a, b *database.DB) {
	t.Helper()

	dump := func(db *database.DB) *database.StateDump {
		view, err := db.NewView()
		require.NoError(t, err)
		defer view.Release()

		d, err := view.Dump()
		require.NoError(t, err)

		return d
	}

	da, db := dump(a), dump(b)
	require.Equal(t, da.Head.Hash(), db.Head.Hash())
	require.Equal(t, len(da.Accounts), len(db.Accounts))

	for i := range da.Accounts {
		require.Equal(t, da.Accounts[i].Address, db.Accounts[i].Address)
		require.True(t, da.Accounts[i].Account.Equal(&db.Accounts[i].Account))
	}
}
