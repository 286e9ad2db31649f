// Package dodeka is the embedding facade over the training platform: it
// assembles the decoder, roster, update engine, scheduler and checkpoint
// manager from one request, drives the cycle loop, and answers run
// bookkeeping queries from the store.
package dodeka

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"dodeka/internal/agent"
	"dodeka/internal/checkpoint"
	"dodeka/internal/model"
	"dodeka/internal/nn"
	"dodeka/internal/platform"
	"dodeka/internal/ppo"
	"dodeka/internal/reward"
	"dodeka/internal/rollout"
	"dodeka/internal/stats"
	"dodeka/internal/storage"
	"dodeka/internal/tuning"
)

const (
	defaultDBPath       = "dodeka.db"
	defaultArtifactsDir = "artifacts"

	trainTaskName = "train-loop"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	Log          logrus.FieldLogger
}

// Client owns the store connection and the artifacts directory. One client
// can serve several Train/Cycle calls sequentially; it is not safe for
// concurrent use.
type Client struct {
	store        storage.Store
	storeKind    string
	dbPath       string
	artifactsDir string
	log          logrus.FieldLogger
}

// TrainRequest configures one training run. Zero fields fall back to the
// component defaults; Dims and Space default to the twelve-participant
// arena geometry.
type TrainRequest struct {
	RunID            string
	RolloutDir       string
	ExportDir        string
	CheckpointDir    string
	RewardConfigPath string

	Dims  model.Dims
	Space model.ActionSpace

	Seed                int64
	MaxCycles           int
	FileQuota           int
	SubBatchFiles       int
	Epochs              int
	SequenceLen         int
	BatchSize           int
	PollInterval        time.Duration
	Patience            time.Duration
	StallTimeout        time.Duration
	FullCheckpointEvery int

	LearningRate float64
	MaxGradNorm  float64
	ClipEpsilon  float64
	ValueCoef    float64
	GAELambda    float64

	EntropyInitial  float64
	EntropyFloor    float64
	EntropyCeiling  float64
	EntropyDecay    float64
	EntropyGrowth   float64
	SchedulerWindow int
	GammaInitial    float64
	GammaFinal      float64
	GammaCycles     int

	EMAAlpha           float64
	WarmupCycles       int
	RollbackWarmup     int
	RollbackThreshold  float64
	EntropyBoostFactor float64
	EntropyBoostCycles int

	// Supervise keeps the cycle loop alive across transient failures,
	// restarting it with backoff up to MaxRestarts times (3).
	Supervise   bool
	MaxRestarts int
}

type TrainSummary struct {
	RunID          string
	Cycles         int
	Transitions    int
	FilesConsumed  int
	FilesRejected  int
	Rollbacks      int
	NewCheckpoints int
	ArtifactsDir   string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	log := opts.Log
	if log == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		log = logger
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(context.Background()); err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}

	return &Client{
		store:        store,
		storeKind:    storeKind,
		dbPath:       dbPath,
		artifactsDir: artifactsDir,
		log:          log,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Train runs the full cycle loop until MaxCycles is reached or ctx is
// canceled. With Supervise set, transient loop failures restart the loop
// with backoff while the TrainingContext preserves the cycle count.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	tc := platform.NewTrainingContext(req.RunID)
	trainer, err := c.buildTrainer(req, tc.RunID)
	if err != nil {
		return TrainSummary{}, err
	}

	if !req.Supervise {
		if err := trainer.Run(ctx, tc); err != nil {
			return c.summary(tc), err
		}
		return c.summary(tc), nil
	}

	maxRestarts := req.MaxRestarts
	if maxRestarts == 0 {
		maxRestarts = 3
	}
	sup := platform.NewSupervisorWithHooks(platform.SupervisorPolicy{
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		BackoffFactor:  2.0,
		MaxRestarts:    maxRestarts,
	}, platform.SupervisorHooks{
		OnTaskRestart: func(name string, err error, restartCount int) {
			c.log.WithError(err).WithFields(logrus.Fields{
				"task":     name,
				"restarts": restartCount,
			}).Warn("training loop restarting")
		},
	})
	err = sup.StartSpec(platform.SupervisorChildSpec{
		Name:    trainTaskName,
		Restart: platform.SupervisorRestartTransient,
	}, func(taskCtx context.Context) error {
		return trainer.Run(taskCtx, tc)
	})
	if err != nil {
		return TrainSummary{}, err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for len(sup.Tasks()) > 0 {
		select {
		case <-ctx.Done():
			sup.StopAll()
		case <-ticker.C:
		}
	}

	for _, child := range sup.Children() {
		if child.Name == trainTaskName && child.PermanentFailed {
			return c.summary(tc), fmt.Errorf("training loop failed after %d restarts: %s", child.RestartCount, child.LastError)
		}
	}
	return c.summary(tc), nil
}

// Cycle runs exactly one training cycle, mostly for operational smoke
// checks against a live rollout directory.
func (c *Client) Cycle(ctx context.Context, req TrainRequest) (model.CycleDiagnostics, error) {
	tc := platform.NewTrainingContext(req.RunID)
	trainer, err := c.buildTrainer(req, tc.RunID)
	if err != nil {
		return model.CycleDiagnostics{}, err
	}
	return trainer.RunCycle(ctx, tc)
}

// Runs lists persisted training runs, newest first, capped at limit when
// limit is positive.
func (c *Client) Runs(ctx context.Context, limit int) ([]model.TrainingRun, error) {
	runs, err := c.store.ListTrainingRuns(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// CycleHistory returns the persisted per-cycle diagnostics of one run.
func (c *Client) CycleHistory(ctx context.Context, runID string) ([]model.CycleDiagnostics, bool, error) {
	return c.store.GetCycleDiagnostics(ctx, runID)
}

// Checkpoints lists the persisted best-snapshot metadata of one run.
func (c *Client) Checkpoints(ctx context.Context, runID string) ([]model.CheckpointMeta, error) {
	return c.store.ListCheckpointMeta(ctx, runID)
}

func (c *Client) buildTrainer(req TrainRequest, runID string) (*platform.Trainer, error) {
	dims := req.Dims
	if dims.Participants == 0 {
		dims = model.DefaultDims()
	}
	space := req.Space
	if len(space.Discrete) == 0 && len(space.Continuous) == 0 {
		space = model.DefaultActionSpace()
	}
	if req.RolloutDir == "" || req.ExportDir == "" || req.CheckpointDir == "" {
		return nil, fmt.Errorf("rollout, export and checkpoint dirs are required")
	}
	learningRate := req.LearningRate
	if learningRate == 0 {
		learningRate = 3e-4
	}
	maxGradNorm := req.MaxGradNorm
	if maxGradNorm == 0 {
		maxGradNorm = 0.5
	}

	decoder, err := rollout.NewDecoder(rollout.DecoderConfig{Dims: dims, Space: space, Log: c.log})
	if err != nil {
		return nil, err
	}
	roster, err := agent.NewRoster(agent.RosterConfig{
		Dims:      dims,
		Space:     space,
		Optimizer: nn.AdamConfig{LearningRate: learningRate, MaxGradNorm: maxGradNorm},
		Seed:      req.Seed,
	})
	if err != nil {
		return nil, err
	}
	engine, err := ppo.NewEngine(ppo.Config{ClipEpsilon: req.ClipEpsilon, ValueCoef: req.ValueCoef})
	if err != nil {
		return nil, err
	}
	sched, err := tuning.NewScheduler(tuning.SchedulerConfig{
		EntropyInitial: req.EntropyInitial,
		EntropyFloor:   req.EntropyFloor,
		EntropyCeiling: req.EntropyCeiling,
		EntropyDecay:   req.EntropyDecay,
		EntropyGrowth:  req.EntropyGrowth,
		Window:         req.SchedulerWindow,
		GammaInitial:   req.GammaInitial,
		GammaFinal:     req.GammaFinal,
		GammaCycles:    req.GammaCycles,
	})
	if err != nil {
		return nil, err
	}
	ckpt, err := checkpoint.NewManager(checkpoint.ManagerConfig{
		Participants:       dims.Participants,
		Dir:                req.CheckpointDir,
		RunID:              runID,
		Alpha:              req.EMAAlpha,
		WarmupCycles:       req.WarmupCycles,
		RollbackWarmup:     req.RollbackWarmup,
		RollbackThreshold:  req.RollbackThreshold,
		EntropyBoostFactor: req.EntropyBoostFactor,
		EntropyBoostCycles: req.EntropyBoostCycles,
		Store:              c.store,
		Log:                c.log,
	})
	if err != nil {
		return nil, err
	}
	rewardFile, err := reward.NewFile(req.RewardConfigPath, c.log)
	if err != nil {
		return nil, err
	}

	return platform.NewTrainer(platform.TrainerConfig{
		RolloutDir:    req.RolloutDir,
		ExportDir:     req.ExportDir,
		CheckpointDir: req.CheckpointDir,
		ArtifactsDir:  c.artifactsDir,
		Artifacts: stats.RunConfig{
			StoreKind:    c.storeKind,
			DBPath:       c.dbPath,
			RewardConfig: req.RewardConfigPath,
			LearningRate: learningRate,
			ClipEpsilon:  req.ClipEpsilon,
			ValueCoef:    req.ValueCoef,
			GammaInitial: req.GammaInitial,
			GammaFinal:   req.GammaFinal,
			GammaCycles:  req.GammaCycles,
			EntropyCoef:  req.EntropyInitial,
		},
		FileQuota:           req.FileQuota,
		PollInterval:        req.PollInterval,
		Patience:            req.Patience,
		StallTimeout:        req.StallTimeout,
		SubBatchFiles:       req.SubBatchFiles,
		Epochs:              req.Epochs,
		SequenceLen:         req.SequenceLen,
		BatchSize:           req.BatchSize,
		GAELambda:           req.GAELambda,
		MaxCycles:           req.MaxCycles,
		FullCheckpointEvery: req.FullCheckpointEvery,
		Seed:                req.Seed,
		Decoder:             decoder,
		Roster:              roster,
		Engine:              engine,
		Scheduler:           sched,
		Checkpoints:         ckpt,
		RewardFile:          rewardFile,
		Store:               c.store,
		Log:                 c.log,
	})
}

func (c *Client) summary(tc *platform.TrainingContext) TrainSummary {
	return TrainSummary{
		RunID:          tc.RunID,
		Cycles:         tc.Cycle,
		Transitions:    tc.TotalTransitions,
		FilesConsumed:  tc.FilesConsumed,
		FilesRejected:  tc.FilesRejected,
		Rollbacks:      tc.Rollbacks,
		NewCheckpoints: tc.NewCheckpoints,
		ArtifactsDir:   c.artifactsDir,
	}
}
