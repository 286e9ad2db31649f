package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"dodeka/internal/model"
	"dodeka/internal/storage"
	dodeka "dodeka/pkg/dodeka"
)

// Config is the full training surface of the CLI. Precedence is
// defaults < config file < environment < -set overrides.
type Config struct {
	Dims  model.Dims        `json:"dims"`
	Space model.ActionSpace `json:"space"`

	PPO        PPOConfig        `json:"ppo"`
	GAE        GAEConfig        `json:"gae"`
	Sched      SchedConfig      `json:"sched"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Train      TrainConfig      `json:"train"`
	Reward     RewardConfig     `json:"reward"`
	Store      StoreConfig      `json:"store"`
}

type PPOConfig struct {
	LearningRate float64 `json:"learning_rate"`
	ClipEps      float64 `json:"clip_eps"`
	ValueCoef    float64 `json:"vf_coef"`
	MaxGradNorm  float64 `json:"max_grad_norm"`
	Epochs       int     `json:"epochs"`
	SequenceLen  int     `json:"seq_len"`
	BatchSize    int     `json:"batch_size"`
}

type GAEConfig struct {
	Lambda float64 `json:"lambda"`
}

type SchedConfig struct {
	EntropyInitial float64 `json:"entropy_initial"`
	EntropyFloor   float64 `json:"entropy_floor"`
	EntropyCeiling float64 `json:"entropy_ceiling"`
	EntropyDecay   float64 `json:"entropy_decay"`
	EntropyGrowth  float64 `json:"entropy_growth"`
	Window         int     `json:"window"`
	GammaInitial   float64 `json:"gamma_initial"`
	GammaFinal     float64 `json:"gamma_final"`
	GammaCycles    int     `json:"gamma_cycles"`
}

type CheckpointConfig struct {
	Alpha          float64 `json:"alpha"`
	Warmup         int     `json:"warmup"`
	RollbackWarmup int     `json:"rollback_warmup"`
	Threshold      float64 `json:"threshold"`
	EntropyBoost   float64 `json:"entropy_boost"`
	BoostCycles    int     `json:"boost_cycles"`
}

type TrainConfig struct {
	RolloutDir          string `json:"rollout_dir" env:"DODEKA_ROLLOUT_DIR"`
	ExportDir           string `json:"export_dir" env:"DODEKA_EXPORT_DIR"`
	CheckpointDir       string `json:"checkpoint_dir" env:"DODEKA_CHECKPOINT_DIR"`
	ArtifactsDir        string `json:"artifacts_dir" env:"DODEKA_ARTIFACTS_DIR"`
	FileQuota           int    `json:"file_quota"`
	PollIntervalMS      int64  `json:"poll_interval_ms"`
	PatienceMS          int64  `json:"patience_ms"`
	StallTimeoutMS      int64  `json:"stall_timeout_ms"`
	SubBatchFiles       int    `json:"sub_batch_files"`
	FullCheckpointEvery int    `json:"full_checkpoint_every"`
	MaxCycles           int    `json:"max_cycles"`
	Seed                int64  `json:"seed"`
}

type RewardConfig struct {
	Path string `json:"path" env:"DODEKA_REWARD_CONFIG"`
}

type StoreConfig struct {
	Kind string `json:"kind" env:"DODEKA_STORE_KIND"`
	Path string `json:"path" env:"DODEKA_DB_PATH"`
}

func defaultConfig() Config {
	return Config{
		Dims:  model.DefaultDims(),
		Space: model.DefaultActionSpace(),
		PPO: PPOConfig{
			LearningRate: 3e-4,
			ClipEps:      0.2,
			ValueCoef:    0.5,
			MaxGradNorm:  0.5,
			Epochs:       4,
			SequenceLen:  16,
			BatchSize:    64,
		},
		GAE: GAEConfig{Lambda: 0.95},
		Sched: SchedConfig{
			EntropyInitial: 0.01,
			EntropyFloor:   0.001,
			EntropyCeiling: 0.05,
			EntropyDecay:   0.995,
			EntropyGrowth:  1.02,
			Window:         10,
			GammaInitial:   0.99,
			GammaFinal:     0.997,
			GammaCycles:    1000,
		},
		Checkpoint: CheckpointConfig{
			Alpha:          0.1,
			Warmup:         10,
			RollbackWarmup: 20,
			Threshold:      0.3,
			EntropyBoost:   1.5,
			BoostCycles:    10,
		},
		Train: TrainConfig{
			RolloutDir:          "rollouts",
			ExportDir:           "exports",
			CheckpointDir:       "checkpoints",
			ArtifactsDir:        "artifacts",
			FileQuota:           4,
			PollIntervalMS:      1000,
			PatienceMS:          30000,
			StallTimeoutMS:      600000,
			SubBatchFiles:       2,
			FullCheckpointEvery: 50,
			Seed:                1,
		},
		Store: StoreConfig{Kind: storage.DefaultStoreKind, Path: "dodeka.db"},
	}
}

// loadConfig layers the file, the environment and the -set overrides over
// the defaults. A .env file in the working directory feeds the environment
// layer when present.
func loadConfig(path string, sets []string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	_ = godotenv.Load()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	for _, kv := range sets {
		if err := applyOverride(&cfg, kv); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func applyOverride(cfg *Config, kv string) error {
	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		return fmt.Errorf("override %q must be key=value", kv)
	}
	switch key {
	case "dims.participants":
		return setInt(&cfg.Dims.Participants, key, value)
	case "dims.self_dim":
		return setInt(&cfg.Dims.SelfDim, key, value)
	case "dims.ally_count":
		return setInt(&cfg.Dims.AllyCount, key, value)
	case "dims.ally_dim":
		return setInt(&cfg.Dims.AllyDim, key, value)
	case "dims.enemy_count":
		return setInt(&cfg.Dims.EnemyCount, key, value)
	case "dims.enemy_dim":
		return setInt(&cfg.Dims.EnemyDim, key, value)
	case "dims.global_dim":
		return setInt(&cfg.Dims.GlobalDim, key, value)
	case "dims.grid_channels":
		return setInt(&cfg.Dims.GridChannels, key, value)
	case "dims.grid_height":
		return setInt(&cfg.Dims.GridHeight, key, value)
	case "dims.grid_width":
		return setInt(&cfg.Dims.GridWidth, key, value)
	case "dims.hidden_dim":
		return setInt(&cfg.Dims.HiddenDim, key, value)
	case "ppo.learning_rate":
		return setFloat(&cfg.PPO.LearningRate, key, value)
	case "ppo.clip_eps":
		return setFloat(&cfg.PPO.ClipEps, key, value)
	case "ppo.vf_coef":
		return setFloat(&cfg.PPO.ValueCoef, key, value)
	case "ppo.max_grad_norm":
		return setFloat(&cfg.PPO.MaxGradNorm, key, value)
	case "ppo.epochs":
		return setInt(&cfg.PPO.Epochs, key, value)
	case "ppo.seq_len":
		return setInt(&cfg.PPO.SequenceLen, key, value)
	case "ppo.batch_size":
		return setInt(&cfg.PPO.BatchSize, key, value)
	case "gae.lambda":
		return setFloat(&cfg.GAE.Lambda, key, value)
	case "sched.entropy_initial":
		return setFloat(&cfg.Sched.EntropyInitial, key, value)
	case "sched.entropy_floor":
		return setFloat(&cfg.Sched.EntropyFloor, key, value)
	case "sched.entropy_ceiling":
		return setFloat(&cfg.Sched.EntropyCeiling, key, value)
	case "sched.entropy_decay":
		return setFloat(&cfg.Sched.EntropyDecay, key, value)
	case "sched.entropy_growth":
		return setFloat(&cfg.Sched.EntropyGrowth, key, value)
	case "sched.window":
		return setInt(&cfg.Sched.Window, key, value)
	case "sched.gamma_initial":
		return setFloat(&cfg.Sched.GammaInitial, key, value)
	case "sched.gamma_final":
		return setFloat(&cfg.Sched.GammaFinal, key, value)
	case "sched.gamma_cycles":
		return setInt(&cfg.Sched.GammaCycles, key, value)
	case "checkpoint.alpha":
		return setFloat(&cfg.Checkpoint.Alpha, key, value)
	case "checkpoint.warmup":
		return setInt(&cfg.Checkpoint.Warmup, key, value)
	case "checkpoint.rollback_warmup":
		return setInt(&cfg.Checkpoint.RollbackWarmup, key, value)
	case "checkpoint.threshold":
		return setFloat(&cfg.Checkpoint.Threshold, key, value)
	case "checkpoint.entropy_boost":
		return setFloat(&cfg.Checkpoint.EntropyBoost, key, value)
	case "checkpoint.boost_cycles":
		return setInt(&cfg.Checkpoint.BoostCycles, key, value)
	case "train.rollout_dir":
		cfg.Train.RolloutDir = value
		return nil
	case "train.export_dir":
		cfg.Train.ExportDir = value
		return nil
	case "train.checkpoint_dir":
		cfg.Train.CheckpointDir = value
		return nil
	case "train.artifacts_dir":
		cfg.Train.ArtifactsDir = value
		return nil
	case "train.file_quota":
		return setInt(&cfg.Train.FileQuota, key, value)
	case "train.poll_interval_ms":
		return setInt64(&cfg.Train.PollIntervalMS, key, value)
	case "train.patience_ms":
		return setInt64(&cfg.Train.PatienceMS, key, value)
	case "train.stall_timeout_ms":
		return setInt64(&cfg.Train.StallTimeoutMS, key, value)
	case "train.sub_batch_files":
		return setInt(&cfg.Train.SubBatchFiles, key, value)
	case "train.full_checkpoint_every":
		return setInt(&cfg.Train.FullCheckpointEvery, key, value)
	case "train.max_cycles":
		return setInt(&cfg.Train.MaxCycles, key, value)
	case "train.seed":
		return setInt64(&cfg.Train.Seed, key, value)
	case "reward.path":
		cfg.Reward.Path = value
		return nil
	case "store.kind":
		cfg.Store.Kind = value
		return nil
	case "store.path":
		cfg.Store.Path = value
		return nil
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("config key %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key, value string) error {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("config key %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("config key %s: %w", key, err)
	}
	*dst = f
	return nil
}

// trainRequest maps the layered config onto the client request.
func trainRequest(cfg Config, runID string) dodeka.TrainRequest {
	return dodeka.TrainRequest{
		RunID:            runID,
		RolloutDir:       cfg.Train.RolloutDir,
		ExportDir:        cfg.Train.ExportDir,
		CheckpointDir:    cfg.Train.CheckpointDir,
		RewardConfigPath: cfg.Reward.Path,

		Dims:  cfg.Dims,
		Space: cfg.Space,

		Seed:                cfg.Train.Seed,
		MaxCycles:           cfg.Train.MaxCycles,
		FileQuota:           cfg.Train.FileQuota,
		SubBatchFiles:       cfg.Train.SubBatchFiles,
		Epochs:              cfg.PPO.Epochs,
		SequenceLen:         cfg.PPO.SequenceLen,
		BatchSize:           cfg.PPO.BatchSize,
		PollInterval:        time.Duration(cfg.Train.PollIntervalMS) * time.Millisecond,
		Patience:            time.Duration(cfg.Train.PatienceMS) * time.Millisecond,
		StallTimeout:        time.Duration(cfg.Train.StallTimeoutMS) * time.Millisecond,
		FullCheckpointEvery: cfg.Train.FullCheckpointEvery,

		LearningRate: cfg.PPO.LearningRate,
		MaxGradNorm:  cfg.PPO.MaxGradNorm,
		ClipEpsilon:  cfg.PPO.ClipEps,
		ValueCoef:    cfg.PPO.ValueCoef,
		GAELambda:    cfg.GAE.Lambda,

		EntropyInitial:  cfg.Sched.EntropyInitial,
		EntropyFloor:    cfg.Sched.EntropyFloor,
		EntropyCeiling:  cfg.Sched.EntropyCeiling,
		EntropyDecay:    cfg.Sched.EntropyDecay,
		EntropyGrowth:   cfg.Sched.EntropyGrowth,
		SchedulerWindow: cfg.Sched.Window,
		GammaInitial:    cfg.Sched.GammaInitial,
		GammaFinal:      cfg.Sched.GammaFinal,
		GammaCycles:     cfg.Sched.GammaCycles,

		EMAAlpha:           cfg.Checkpoint.Alpha,
		WarmupCycles:       cfg.Checkpoint.Warmup,
		RollbackWarmup:     cfg.Checkpoint.RollbackWarmup,
		RollbackThreshold:  cfg.Checkpoint.Threshold,
		EntropyBoostFactor: cfg.Checkpoint.EntropyBoost,
		EntropyBoostCycles: cfg.Checkpoint.BoostCycles,
	}
}
