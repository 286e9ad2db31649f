package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// TrainingRun describes one invocation of the training loop.
type TrainingRun struct {
	VersionedRecord
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Cycles       int       `json:"cycles"`
	Participants int       `json:"participants"`
	RolloutDir   string    `json:"rollout_dir"`
	ExportDir    string    `json:"export_dir"`
	Notes        string    `json:"notes,omitempty"`
}

// CycleDiagnostics aggregates the optimization statistics of one training
// cycle across all participants.
type CycleDiagnostics struct {
	VersionedRecord
	RunID          string    `json:"run_id"`
	Cycle          int       `json:"cycle"`
	CompletedAt    time.Time `json:"completed_at"`
	FilesConsumed  int       `json:"files_consumed"`
	FilesRejected  int       `json:"files_rejected"`
	Transitions    int       `json:"transitions"`
	MeanReward     float64   `json:"mean_reward"`
	PolicyLoss     float64   `json:"policy_loss"`
	ValueLoss      float64   `json:"value_loss"`
	Entropy        float64   `json:"entropy"`
	ApproxKL       float64   `json:"approx_kl"`
	ClipFraction   float64   `json:"clip_fraction"`
	GradNorm       float64   `json:"grad_norm"`
	EntropyCoef    float64   `json:"entropy_coef"`
	Gamma          float64   `json:"gamma"`
	RewardVersion  int       `json:"reward_version"`
	Rollbacks      int       `json:"rollbacks"`
	NewCheckpoints int       `json:"new_checkpoints"`
}

// CheckpointMeta records one persisted policy snapshot for a participant.
type CheckpointMeta struct {
	VersionedRecord
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Participant int       `json:"participant"`
	Cycle       int       `json:"cycle"`
	CreatedAt   time.Time `json:"created_at"`
	Reward      float64   `json:"reward"`
	Path        string    `json:"path"`
}

// Dims fixes the observation geometry shared by the decoder, the trajectory
// buffer, and the policy networks.
type Dims struct {
	Participants int `json:"participants"`
	SelfDim      int `json:"self_dim"`
	AllyCount    int `json:"ally_count"`
	AllyDim      int `json:"ally_dim"`
	EnemyCount   int `json:"enemy_count"`
	EnemyDim     int `json:"enemy_dim"`
	GlobalDim    int `json:"global_dim"`
	GridChannels int `json:"grid_channels"`
	GridHeight   int `json:"grid_height"`
	GridWidth    int `json:"grid_width"`
	HiddenDim    int `json:"hidden_dim"`
}

// DefaultDims returns the geometry of the twelve-participant arena.
func DefaultDims() Dims {
	return Dims{
		Participants: 12,
		SelfDim:      77,
		AllyCount:    5,
		AllyDim:      37,
		EnemyCount:   6,
		EnemyDim:     41,
		GlobalDim:    6,
		GridChannels: 3,
		GridHeight:   25,
		GridWidth:    48,
		HiddenDim:    256,
	}
}

// HeadSpec names one discrete action head and its choice count.
type HeadSpec struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// ContinuousSpec names one continuous action head and its dimensionality.
type ContinuousSpec struct {
	Name string `json:"name"`
	Dim  int    `json:"dim"`
}

// ActionSpace enumerates every head the policy emits. Discrete heads carry
// availability masks; continuous heads are tanh-squashed Gaussians.
type ActionSpace struct {
	Discrete   []HeadSpec       `json:"discrete"`
	Continuous []ContinuousSpec `json:"continuous"`
}

// DefaultActionSpace returns the arena's eleven discrete and two continuous
// heads.
func DefaultActionSpace() ActionSpace {
	return ActionSpace{
		Discrete: []HeadSpec{
			{Name: "skill", Size: 8},
			{Name: "unit_target", Size: 14},
			{Name: "skill_levelup", Size: 6},
			{Name: "stat_upgrade", Size: 10},
			{Name: "attribute", Size: 5},
			{Name: "item_buy", Size: 18},
			{Name: "item_use", Size: 7},
			{Name: "seal_use", Size: 7},
			{Name: "faire_send", Size: 6},
			{Name: "faire_request", Size: 6},
			{Name: "faire_respond", Size: 3},
		},
		Continuous: []ContinuousSpec{
			{Name: "move", Dim: 2},
			{Name: "point", Dim: 2},
		},
	}
}

// DiscreteSize returns the choice count of the named discrete head, or zero
// when the head is unknown.
func (s ActionSpace) DiscreteSize(name string) int {
	for _, h := range s.Discrete {
		if h.Name == name {
			return h.Size
		}
	}
	return 0
}

// ContinuousDim returns the dimensionality of the named continuous head, or
// zero when the head is unknown.
func (s ActionSpace) ContinuousDim(name string) int {
	for _, h := range s.Continuous {
		if h.Name == name {
			return h.Dim
		}
	}
	return 0
}
