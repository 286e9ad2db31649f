// Package platform owns the training control loop: it waits for rollout
// files, folds them through decode, relabel, advantage estimation and the
// policy update, and publishes the resulting policies. A Supervisor keeps
// the loop alive across transient failures.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dodeka/internal/agent"
	"dodeka/internal/checkpoint"
	"dodeka/internal/model"
	"dodeka/internal/ppo"
	"dodeka/internal/reward"
	"dodeka/internal/rollout"
	"dodeka/internal/stats"
	"dodeka/internal/storage"
	"dodeka/internal/trajectory"
	"dodeka/internal/tuning"
)

// ErrStalled reports that no rollout files arrived within the stall window,
// which usually means the producer crashed.
var ErrStalled = errors.New("platform: rollout production stalled")

const decodeAttempts = 3

// TrainerConfig wires the components and bounds of the cycle loop. Zero
// duration and count fields fall back to the noted defaults.
type TrainerConfig struct {
	RolloutDir    string
	ExportDir     string
	CheckpointDir string
	// ArtifactsDir receives the run's JSON artifacts; empty disables them.
	ArtifactsDir string
	// Artifacts seeds the persisted run config with the caller's settings
	// the trainer cannot see (learning rate, store kind, reward path). The
	// trainer fills the identity and loop fields itself.
	Artifacts stats.RunConfig

	// FileQuota is the number of rollout files per cycle (4).
	FileQuota int
	// PollInterval spaces the rollout dir scans (1s).
	PollInterval time.Duration
	// Patience bounds the wait for the quota remainder once 80% of the
	// files are present (30s).
	Patience time.Duration
	// RetryDelay spaces decode retries on partially flushed files (2s).
	RetryDelay time.Duration
	// StallTimeout bounds how long the collector waits without any new
	// file before surfacing ErrStalled (10m).
	StallTimeout time.Duration
	// SubBatchFiles bounds how many files are held in memory at once (2).
	SubBatchFiles int
	// Epochs is the number of update passes per sub-batch (4).
	Epochs int
	// SequenceLen is the recurrent window length (16).
	SequenceLen int
	// BatchSize is the number of windows per update step (64).
	BatchSize int
	// GAELambda is the advantage trace factor (0.95).
	GAELambda float64
	// MaxCycles bounds Run; zero runs until the context is canceled.
	MaxCycles int
	// FullCheckpointEvery writes a resumable training checkpoint every N
	// cycles (50); negative disables them.
	FullCheckpointEvery int

	Seed int64

	Decoder     *rollout.Decoder
	Roster      *agent.Roster
	Engine      *ppo.Engine
	Scheduler   *tuning.Scheduler
	Checkpoints *checkpoint.Manager
	RewardFile  *reward.File
	// Store is optional; nil skips run and cycle persistence.
	Store storage.Store
	Log   logrus.FieldLogger
}

func (c TrainerConfig) withDefaults() TrainerConfig {
	if c.FileQuota == 0 {
		c.FileQuota = 4
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.Patience == 0 {
		c.Patience = 30 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.StallTimeout == 0 {
		c.StallTimeout = 10 * time.Minute
	}
	if c.SubBatchFiles == 0 {
		c.SubBatchFiles = 2
	}
	if c.Epochs == 0 {
		c.Epochs = 4
	}
	if c.SequenceLen == 0 {
		c.SequenceLen = 16
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.GAELambda == 0 {
		c.GAELambda = 0.95
	}
	if c.FullCheckpointEvery == 0 {
		c.FullCheckpointEvery = 50
	}
	return c
}

// TrainingContext aggregates the mutable cross-cycle state, so one cycle is
// a function of (files, components, context) rather than of ambient trainer
// fields. Callers keep it across Run invocations to resume counting after a
// supervised restart.
type TrainingContext struct {
	RunID     string
	StartedAt time.Time

	Cycle            int
	TotalTransitions int
	FilesConsumed    int
	FilesRejected    int
	Rollbacks        int
	NewCheckpoints   int

	History []model.CycleDiagnostics
}

// NewTrainingContext starts a fresh run context. An empty id draws a new
// run id.
func NewTrainingContext(runID string) *TrainingContext {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &TrainingContext{RunID: runID, StartedAt: time.Now().UTC()}
}

// Trainer drives the offline training cycles against a fixed set of
// components. It owns no mutable cross-cycle state of its own; that lives
// in the TrainingContext and in the components.
type Trainer struct {
	cfg         TrainerConfig
	dec         *rollout.Decoder
	roster      *agent.Roster
	engine      *ppo.Engine
	sched       *tuning.Scheduler
	checkpoints *checkpoint.Manager
	rewardFile  *reward.File
	store       storage.Store
	rng         *rand.Rand
	log         logrus.FieldLogger
}

func NewTrainer(cfg TrainerConfig) (*Trainer, error) {
	cfg = cfg.withDefaults()
	if cfg.RolloutDir == "" {
		return nil, fmt.Errorf("rollout dir is required")
	}
	if cfg.ExportDir == "" {
		return nil, fmt.Errorf("export dir is required")
	}
	if cfg.CheckpointDir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("decoder is required")
	}
	if cfg.Roster == nil {
		return nil, fmt.Errorf("roster is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("update engine is required")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint manager is required")
	}
	if cfg.RewardFile == nil {
		return nil, fmt.Errorf("reward file is required")
	}
	if cfg.GAELambda < 0 || cfg.GAELambda > 1 {
		return nil, fmt.Errorf("gae lambda must lie in [0,1]")
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger()
	}
	for _, dir := range []string{cfg.RolloutDir, cfg.ExportDir, cfg.CheckpointDir, cfg.ArtifactsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return &Trainer{
		cfg:         cfg,
		dec:         cfg.Decoder,
		roster:      cfg.Roster,
		engine:      cfg.Engine,
		sched:       cfg.Scheduler,
		checkpoints: cfg.Checkpoints,
		rewardFile:  cfg.RewardFile,
		store:       cfg.Store,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		log:         log,
	}, nil
}

// Run loops RunCycle until the context is canceled, MaxCycles is reached or
// a cycle fails. The initial policies are exported first so the serving
// side can start before any training happened.
func (t *Trainer) Run(ctx context.Context, tc *TrainingContext) error {
	if tc == nil {
		return fmt.Errorf("training context is required")
	}
	t.log.WithFields(logrus.Fields{
		"run":         tc.RunID,
		"rollout_dir": t.cfg.RolloutDir,
		"export_dir":  t.cfg.ExportDir,
		"cycle":       tc.Cycle,
	}).Info("training run starting")

	if err := t.saveRun(ctx, tc, time.Time{}); err != nil {
		return err
	}
	if t.cfg.ArtifactsDir != "" {
		if err := stats.WriteRunConfig(t.cfg.ArtifactsDir, tc.RunID, t.runConfig(tc)); err != nil {
			return err
		}
	}
	t.exportPolicies()

	for t.cfg.MaxCycles <= 0 || tc.Cycle < t.cfg.MaxCycles {
		if ctx.Err() != nil {
			break
		}
		if _, err := t.RunCycle(ctx, tc); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if finishErr := t.finishRun(tc); finishErr != nil {
				t.log.WithError(finishErr).Warn("failed to finalize run records")
			}
			return err
		}
	}
	t.log.WithFields(logrus.Fields{
		"run":         tc.RunID,
		"cycles":      tc.Cycle,
		"transitions": humanize.Comma(int64(tc.TotalTransitions)),
	}).Info("training run stopping")
	return t.finishRun(tc)
}

// RunCycle executes one full training cycle: collect a quota of rollout
// files, process them in sub-batches, advance the scheduler and checkpoint
// tracking, export policies and persist diagnostics.
func (t *Trainer) RunCycle(ctx context.Context, tc *TrainingContext) (model.CycleDiagnostics, error) {
	start := time.Now()
	files, err := t.collectFiles(ctx)
	if err != nil {
		return model.CycleDiagnostics{}, err
	}

	t.rewardFile.Refresh()
	rewardCfg := t.rewardFile.Config()
	entropyCoef := t.sched.EntropyCoef()
	gamma := t.sched.Gamma()
	participants := t.roster.Len()

	rewardSums := make([]float64, participants)
	var (
		weightSteps int
		transitions int
		consumed    int
		rejected    int
		updates     []*ppo.Stats
	)

	for lo := 0; lo < len(files); lo += t.cfg.SubBatchFiles {
		hi := lo + t.cfg.SubBatchFiles
		if hi > len(files) {
			hi = len(files)
		}
		group := files[lo:hi]

		buf, folded, groupRejected, err := t.loadSubBatch(ctx, group, rewardCfg)
		rejected += groupRejected
		if err != nil {
			return model.CycleDiagnostics{}, err
		}
		if buf == nil {
			continue
		}

		if err := buf.ComputeGAE(gamma, t.cfg.GAELambda); err != nil {
			return model.CycleDiagnostics{}, err
		}
		for p := 0; p < participants; p++ {
			mean, err := buf.ParticipantMeanReward(p)
			if err != nil {
				return model.CycleDiagnostics{}, err
			}
			rewardSums[p] += mean * float64(buf.T)
		}
		weightSteps += buf.T
		transitions += buf.TotalTransitions()

		subStats, err := t.updateSubBatch(buf, entropyCoef)
		if err != nil {
			return model.CycleDiagnostics{}, err
		}
		updates = append(updates, subStats...)

		// The sub-batch has been folded and trained on; consume its files.
		for _, path := range folded {
			t.removeFile(path)
		}
		consumed += len(folded)
	}

	tc.Cycle++
	diag := model.CycleDiagnostics{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		RunID:         tc.RunID,
		Cycle:         tc.Cycle,
		CompletedAt:   time.Now().UTC(),
		FilesConsumed: consumed,
		FilesRejected: rejected,
		Transitions:   transitions,
		EntropyCoef:   entropyCoef,
		Gamma:         gamma,
		RewardVersion: t.rewardFile.Version(),
	}

	if transitions > 0 {
		agg := ppo.Aggregate(updates)
		diag.PolicyLoss = agg.PolicyLoss
		diag.ValueLoss = agg.ValueLoss
		diag.Entropy = agg.Entropy
		diag.ApproxKL = agg.ApproxKL
		diag.ClipFraction = agg.ClipFraction
		diag.GradNorm = agg.GradNorm

		rewards := make([]float64, participants)
		total := 0.0
		for p := range rewards {
			rewards[p] = rewardSums[p] / float64(weightSteps)
			total += rewards[p]
		}
		diag.MeanReward = total / float64(participants)

		t.sched.Observe(diag.MeanReward)

		policies := make([]checkpoint.ParticipantPolicy, participants)
		for p, unit := range t.roster.Units() {
			policies[p] = unit
		}
		outcome, err := t.checkpoints.EndCycle(ctx, rewards, policies, t.sched)
		if err != nil {
			return model.CycleDiagnostics{}, err
		}
		diag.Rollbacks = outcome.Rollbacks
		diag.NewCheckpoints = outcome.NewCheckpoints

		t.exportPolicies()
	} else {
		t.log.WithFields(logrus.Fields{
			"cycle":    tc.Cycle,
			"rejected": rejected,
		}).Warn("cycle produced no transitions")
	}

	if t.cfg.FullCheckpointEvery > 0 && tc.Cycle%t.cfg.FullCheckpointEvery == 0 {
		if err := t.writeFullCheckpoint(tc.Cycle); err != nil {
			t.log.WithError(err).WithField("cycle", tc.Cycle).Warn("full checkpoint failed")
		}
	}

	tc.TotalTransitions += transitions
	tc.FilesConsumed += consumed
	tc.FilesRejected += rejected
	tc.Rollbacks += diag.Rollbacks
	tc.NewCheckpoints += diag.NewCheckpoints
	tc.History = append(tc.History, diag)

	if t.store != nil {
		if err := t.store.SaveCycleDiagnostics(ctx, diag); err != nil {
			return diag, fmt.Errorf("persist cycle diagnostics: %w", err)
		}
	}

	t.log.WithFields(logrus.Fields{
		"cycle":       tc.Cycle,
		"files":       consumed,
		"transitions": humanize.Comma(int64(transitions)),
		"mean_reward": diag.MeanReward,
		"policy_loss": diag.PolicyLoss,
		"approx_kl":   diag.ApproxKL,
		"elapsed":     time.Since(start).Round(time.Millisecond).String(),
	}).Info("cycle complete")
	return diag, nil
}

// collectFiles polls the rollout dir until the file quota is met. Once at
// least 80% of the quota is present it waits out the patience window and
// then proceeds with the partial set. No new file within the stall window
// surfaces ErrStalled.
func (t *Trainer) collectFiles(ctx context.Context) ([]string, error) {
	quota := t.cfg.FileQuota
	threshold := (4*quota + 4) / 5
	var patienceDeadline time.Time
	lastCount := -1
	lastProgress := time.Now()

	for {
		files, err := rollout.ScanDir(t.cfg.RolloutDir)
		if err != nil {
			return nil, err
		}
		if len(files) >= quota {
			return files[:quota], nil
		}
		now := time.Now()
		if len(files) > lastCount {
			lastCount = len(files)
			lastProgress = now
		}
		if len(files) >= threshold {
			if patienceDeadline.IsZero() {
				patienceDeadline = now.Add(t.cfg.Patience)
				t.log.WithFields(logrus.Fields{
					"have":  len(files),
					"quota": quota,
				}).Info("quota threshold reached, waiting out patience")
			} else if now.After(patienceDeadline) {
				t.log.WithFields(logrus.Fields{
					"have":  len(files),
					"quota": quota,
				}).Info("patience elapsed, proceeding with partial set")
				return files, nil
			}
		} else if now.Sub(lastProgress) >= t.cfg.StallTimeout {
			return nil, fmt.Errorf("%w: %d of %d files after %s", ErrStalled, len(files), quota, t.cfg.StallTimeout)
		}

		timer := time.NewTimer(t.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// loadSubBatch decodes one group of files into a merged buffer. Undecodable
// files are deleted and counted out; a merge mismatch deletes the whole
// group and aborts the cycle, so a poison file cannot be reprocessed
// forever.
func (t *Trainer) loadSubBatch(ctx context.Context, group []string, rewardCfg reward.Config) (*trajectory.Buffer, []string, int, error) {
	var (
		buf      *trajectory.Buffer
		folded   []string
		rejected int
	)
	for _, path := range group {
		batch, err := t.decodeWithRetry(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, rejected, ctx.Err()
			}
			t.log.WithError(err).WithField("file", filepath.Base(path)).Warn("dropping undecodable rollout file")
			t.removeFile(path)
			rejected++
			continue
		}
		if batch.Aux != nil {
			relabeled, err := reward.Relabel(batch.Aux, rewardCfg)
			if err != nil {
				t.log.WithError(err).WithField("file", filepath.Base(path)).Warn("dropping rollout file with unusable aux block")
				t.removeFile(path)
				rejected++
				continue
			}
			applyRewards(batch, relabeled)
		}
		next, err := trajectory.FromBatch(batch)
		if err != nil {
			t.log.WithError(err).WithField("file", filepath.Base(path)).Warn("dropping empty rollout file")
			t.removeFile(path)
			rejected++
			continue
		}
		if buf == nil {
			buf = next
		} else if err := buf.Merge(next); err != nil {
			for _, poisoned := range group {
				t.removeFile(poisoned)
			}
			return nil, nil, rejected, fmt.Errorf("merge %s: %w", filepath.Base(path), err)
		}
		folded = append(folded, path)
	}
	return buf, folded, rejected, nil
}

// decodeWithRetry retries transient failures such as partially flushed
// writes. Structural failures are final on the first attempt.
func (t *Trainer) decodeWithRetry(ctx context.Context, path string) (*rollout.Batch, error) {
	var lastErr error
	for attempt := 1; attempt <= decodeAttempts; attempt++ {
		batch, err := t.dec.DecodeFile(path)
		if err == nil {
			return batch, nil
		}
		lastErr = err
		var formatErr *rollout.FormatError
		if errors.As(err, &formatErr) || errors.Is(err, rollout.ErrUnknownFormat) {
			break
		}
		if attempt < decodeAttempts {
			t.log.WithError(err).WithFields(logrus.Fields{
				"file":    filepath.Base(path),
				"attempt": attempt,
			}).Warn("rollout decode failed, retrying")
			timer := time.NewTimer(t.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, lastErr
}

// updateSubBatch runs the configured epochs over the buffer, routing each
// participant's windows through that participant's own policy.
func (t *Trainer) updateSubBatch(buf *trajectory.Buffer, entropyCoef float64) ([]*ppo.Stats, error) {
	seq := trajectory.SequenceConfig{
		Length:    t.cfg.SequenceLen,
		BatchSize: t.cfg.BatchSize,
		Rand:      t.rng,
	}
	var all []*ppo.Stats
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		for p := 0; p < t.roster.Len(); p++ {
			unit, err := t.roster.Unit(p)
			if err != nil {
				return nil, err
			}
			err = buf.EachParticipantSequenceBatch(p, seq, func(chunk *trajectory.SequenceBatch) error {
				st, err := t.engine.Update(chunk, unit, entropyCoef)
				if err != nil {
					return err
				}
				all = append(all, st)
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("participant %d update: %w", p, err)
			}
		}
	}
	return all, nil
}

// exportPolicies publishes every participant's inference export at its
// fixed, overwritten path. Per-participant failures are logged and do not
// block the others.
func (t *Trainer) exportPolicies() {
	for p, unit := range t.roster.Units() {
		path := filepath.Join(t.cfg.ExportDir, fmt.Sprintf("policy_p%02d.ddkt", p))
		if err := rollout.WriteContainerFile(path, unit.ExportEntries("")); err != nil {
			t.log.WithError(err).WithFields(logrus.Fields{
				"participant": p,
				"path":        path,
			}).Warn("policy export failed")
		}
	}
}

// writeFullCheckpoint captures every policy, optimizer, the schedule and
// the checkpoint tracking state in one resumable container.
func (t *Trainer) writeFullCheckpoint(cycle int) error {
	var entries []rollout.Entry
	for p, unit := range t.roster.Units() {
		entries = append(entries, unit.ExportEntries(fmt.Sprintf("p%02d/", p))...)
		entries = append(entries, unit.OptimizerEntries(fmt.Sprintf("opt/p%02d/", p))...)
	}
	entries = append(entries, schedulerEntries("sched/", t.sched.State())...)
	entries = append(entries, t.checkpoints.StateEntries("ckpt/")...)

	path := filepath.Join(t.cfg.CheckpointDir, fmt.Sprintf("checkpoint_%06d.ddkt", cycle))
	if err := rollout.WriteContainerFile(path, entries); err != nil {
		return err
	}
	t.log.WithFields(logrus.Fields{
		"path":    path,
		"entries": len(entries),
	}).Info("full checkpoint written")
	return nil
}

func (t *Trainer) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		t.log.WithError(err).WithField("file", filepath.Base(path)).Warn("failed to delete rollout file")
	}
}

func (t *Trainer) saveRun(ctx context.Context, tc *TrainingContext, finishedAt time.Time) error {
	if t.store == nil {
		return nil
	}
	return t.store.SaveTrainingRun(ctx, model.TrainingRun{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		ID:           tc.RunID,
		StartedAt:    tc.StartedAt,
		FinishedAt:   finishedAt,
		Cycles:       tc.Cycle,
		Participants: t.roster.Len(),
		RolloutDir:   t.cfg.RolloutDir,
		ExportDir:    t.cfg.ExportDir,
	})
}

// finishRun writes the final run record and artifacts. It uses a fresh
// context because the run context is typically already canceled here.
func (t *Trainer) finishRun(tc *TrainingContext) error {
	ctx := context.Background()
	if err := t.saveRun(ctx, tc, time.Now().UTC()); err != nil {
		return fmt.Errorf("persist training run: %w", err)
	}
	if t.cfg.ArtifactsDir == "" {
		return nil
	}
	summary := stats.BuildRunSummary(tc.RunID, tc.History)
	if _, err := stats.WriteRunArtifacts(t.cfg.ArtifactsDir, stats.RunArtifacts{
		Config:  t.runConfig(tc),
		Cycles:  tc.History,
		Summary: summary,
	}); err != nil {
		return fmt.Errorf("write run artifacts: %w", err)
	}
	return stats.AppendRunIndex(t.cfg.ArtifactsDir, stats.RunIndexEntry{
		RunID:           tc.RunID,
		Participants:    t.roster.Len(),
		CyclesCompleted: tc.Cycle,
		Seed:            t.cfg.Seed,
		StoreKind:       t.cfg.Artifacts.StoreKind,
		FinalMeanReward: summary.Reward.Last,
		Rollbacks:       tc.Rollbacks,
		NewCheckpoints:  tc.NewCheckpoints,
		CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339),
	})
}

func (t *Trainer) runConfig(tc *TrainingContext) stats.RunConfig {
	cfg := t.cfg.Artifacts
	cfg.RunID = tc.RunID
	cfg.StartedAtUTC = tc.StartedAt.Format(time.RFC3339)
	cfg.Participants = t.roster.Len()
	cfg.Cycles = t.cfg.MaxCycles
	cfg.Epochs = t.cfg.Epochs
	cfg.SubBatchFiles = t.cfg.SubBatchFiles
	cfg.QuotaFiles = t.cfg.FileQuota
	cfg.PatienceMS = t.cfg.Patience.Milliseconds()
	cfg.SequenceLen = t.cfg.SequenceLen
	cfg.BatchSize = t.cfg.BatchSize
	cfg.RolloutDir = t.cfg.RolloutDir
	cfg.ExportDir = t.cfg.ExportDir
	cfg.CheckpointDir = t.cfg.CheckpointDir
	cfg.GAELambda = t.cfg.GAELambda
	cfg.FullCheckpointEvery = t.cfg.FullCheckpointEvery
	cfg.Seed = t.cfg.Seed
	return cfg
}

// applyRewards overwrites the producer-computed rewards with the relabeled
// values, laid out (T, A) row-major like the aux block.
func applyRewards(b *rollout.Batch, rewards []float32) {
	for step := 0; step < b.T; step++ {
		for a := 0; a < b.A; a++ {
			b.Rewards.Set(rewards[step*b.A+a], step, a)
		}
	}
}

// schedulerEntries renders the schedule state as exact float64 container
// entries for full checkpoints.
func schedulerEntries(prefix string, st tuning.SchedulerState) []rollout.Entry {
	return []rollout.Entry{
		f64Entry(prefix+"cycle", []float64{float64(st.Cycle)}),
		f64Entry(prefix+"entropy_coef", []float64{st.EntropyCoef}),
		f64Entry(prefix+"gamma", []float64{st.Gamma}),
		f64Entry(prefix+"boost_factor", []float64{st.BoostFactor}),
		f64Entry(prefix+"boost_cycles_left", []float64{float64(st.BoostCyclesLeft)}),
		f64Entry(prefix+"history", st.History),
	}
}

func nopLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func f64Entry(name string, values []float64) rollout.Entry {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		bits := math.Float64bits(v)
		for b := 0; b < 8; b++ {
			raw[8*i+b] = byte(bits >> (8 * b))
		}
	}
	return rollout.Entry{Name: name, DType: rollout.F64, Shape: []int64{int64(len(values))}, Raw: raw}
}
