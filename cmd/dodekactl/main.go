package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	humanize "github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"dodeka/internal/reward"
	"dodeka/internal/rollout"
	dodeka "dodeka/pkg/dodeka"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "train":
		return runTrain(ctx, args[1:])
	case "cycle":
		return runCycle(ctx, args[1:])
	case "inspect":
		return runInspect(ctx, args[1:])
	case "relabel":
		return runRelabel(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "export-config":
		return runExportConfig(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: dodekactl <train|cycle|inspect|relabel|runs|export-config> [flags]", msg)
}

// stringList collects a repeatable flag value.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func addConfigFlags(fs *flag.FlagSet) (configPath *string, sets *stringList) {
	configPath = fs.String("config", "", "JSON config path")
	sets = &stringList{}
	fs.Var(sets, "set", "dotted-key config override, e.g. -set ppo.clip_eps=0.15 (repeatable)")
	return configPath, sets
}

func newLogger(verbose bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func newClient(cfg Config, log logrus.FieldLogger) (*dodeka.Client, error) {
	return dodeka.New(dodeka.Options{
		StoreKind:    cfg.Store.Kind,
		DBPath:       cfg.Store.Path,
		ArtifactsDir: cfg.Train.ArtifactsDir,
		Log:          log,
	})
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	configPath, sets := addConfigFlags(fs)
	runID := fs.String("run-id", "", "explicit run id (optional)")
	cycles := fs.Int("cycles", -1, "cycle limit; overrides train.max_cycles when set (0 runs until interrupted)")
	noSupervise := fs.Bool("no-supervise", false, "run the cycle loop without the restart supervisor")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *sets)
	if err != nil {
		return err
	}
	if *cycles >= 0 {
		cfg.Train.MaxCycles = *cycles
	}
	log := newLogger(*verbose)
	client, err := newClient(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := trainRequest(cfg, *runID)
	req.Supervise = !*noSupervise
	summary, err := client.Train(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("train completed run_id=%s cycles=%d transitions=%s files_consumed=%d files_rejected=%d rollbacks=%d new_checkpoints=%d\n",
		summary.RunID,
		summary.Cycles,
		humanize.Comma(int64(summary.Transitions)),
		summary.FilesConsumed,
		summary.FilesRejected,
		summary.Rollbacks,
		summary.NewCheckpoints,
	)
	fmt.Printf("artifacts_dir=%s\n", summary.ArtifactsDir)
	return nil
}

func runCycle(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cycle", flag.ContinueOnError)
	configPath, sets := addConfigFlags(fs)
	runID := fs.String("run-id", "", "explicit run id (optional)")
	verbose := fs.Bool("verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *sets)
	if err != nil {
		return err
	}
	log := newLogger(*verbose)
	client, err := newClient(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	diag, err := client.Cycle(ctx, trainRequest(cfg, *runID))
	if err != nil {
		return err
	}
	fmt.Printf("cycle completed run_id=%s cycle=%d files=%d rejected=%d transitions=%s mean_reward=%.6f policy_loss=%.6f value_loss=%.6f entropy=%.6f approx_kl=%.6f clip_fraction=%.4f entropy_coef=%.6f gamma=%.6f rollbacks=%d new_checkpoints=%d\n",
		diag.RunID,
		diag.Cycle,
		diag.FilesConsumed,
		diag.FilesRejected,
		humanize.Comma(int64(diag.Transitions)),
		diag.MeanReward,
		diag.PolicyLoss,
		diag.ValueLoss,
		diag.Entropy,
		diag.ApproxKL,
		diag.ClipFraction,
		diag.EntropyCoef,
		diag.Gamma,
		diag.Rollbacks,
		diag.NewCheckpoints,
	)
	return nil
}

func runInspect(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath, sets := addConfigFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("inspect requires exactly one rollout file argument")
	}
	path := fs.Arg(0)

	cfg, err := loadConfig(*configPath, *sets)
	if err != nil {
		return err
	}
	dec, err := rollout.NewDecoder(rollout.DecoderConfig{Dims: cfg.Dims, Space: cfg.Space})
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	batch, err := dec.DecodeFile(path)
	if err != nil {
		return err
	}

	fmt.Printf("file=%s size=%s timesteps=%d participants=%d transitions=%s\n",
		path,
		humanize.Bytes(uint64(info.Size())),
		batch.T,
		batch.A,
		humanize.Comma(int64(batch.T*batch.A)),
	)
	obsNames := make([]string, 0, len(batch.Obs))
	for name := range batch.Obs {
		obsNames = append(obsNames, name)
	}
	sort.Strings(obsNames)
	for _, name := range obsNames {
		fmt.Printf("obs name=%s shape=%v\n", name, batch.Obs[name].Shape())
	}
	for _, h := range cfg.Space.Discrete {
		fmt.Printf("head name=%s kind=discrete size=%d\n", h.Name, h.Size)
	}
	for _, h := range cfg.Space.Continuous {
		fmt.Printf("head name=%s kind=continuous dim=%d\n", h.Name, h.Dim)
	}
	fmt.Printf("rewards mean=%.6f dones=%d bootstrap=%t\n",
		meanOf(batch.Rewards.Float32s()),
		countNonZero(batch.Dones.Float32s()),
		batch.Bootstrap != nil,
	)
	if batch.Aux != nil {
		fmt.Printf("aux episode_id=%d chunk_seq=%d terminal=%t events=%d\n",
			batch.Aux.EpisodeID,
			batch.Aux.ChunkSeq,
			batch.Aux.Terminal,
			totalEvents(batch.Aux),
		)
	}
	return nil
}

func runRelabel(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("relabel", flag.ContinueOnError)
	configPath, sets := addConfigFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("relabel requires exactly one rollout file argument")
	}
	path := fs.Arg(0)

	cfg, err := loadConfig(*configPath, *sets)
	if err != nil {
		return err
	}
	dec, err := rollout.NewDecoder(rollout.DecoderConfig{Dims: cfg.Dims, Space: cfg.Space})
	if err != nil {
		return err
	}
	batch, err := dec.DecodeFile(path)
	if err != nil {
		return err
	}
	if batch.Aux == nil {
		return errors.New("relabel requires a streaming rollout file: tagged containers carry no aux block")
	}

	rewardFile, err := reward.NewFile(cfg.Reward.Path, nil)
	if err != nil {
		return err
	}
	relabeled, err := reward.Relabel(batch.Aux, rewardFile.Config())
	if err != nil {
		return err
	}

	fmt.Printf("file=%s timesteps=%d participants=%d reward_config_version=%d\n", path, batch.T, batch.A, rewardFile.Version())
	for p := 0; p < batch.A; p++ {
		var original, updated float64
		for step := 0; step < batch.T; step++ {
			original += float64(batch.Rewards.At(step, p))
			updated += float64(relabeled[step*batch.A+p])
		}
		fmt.Printf("participant=%02d original_total=%.6f relabeled_total=%.6f delta=%+.6f\n",
			p, original, updated, updated-original)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	configPath, sets := addConfigFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	cfg, err := loadConfig(*configPath, *sets)
	if err != nil {
		return err
	}
	client, err := newClient(cfg, newLogger(false))
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	runs, err := client.Runs(ctx, *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	for _, r := range runs {
		finished := "running"
		if !r.FinishedAt.IsZero() {
			finished = r.FinishedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		fmt.Printf("run_id=%s started_at=%s finished_at=%s cycles=%d participants=%d rollout_dir=%s\n",
			r.ID,
			r.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
			finished,
			r.Cycles,
			r.Participants,
			r.RolloutDir,
		)
	}
	return nil
}

func runExportConfig(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("export-config", flag.ContinueOnError)
	configPath, sets := addConfigFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *sets)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func meanOf(values []float32) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += float64(v)
	}
	return sum / float64(len(values))
}

func countNonZero(values []float32) int {
	n := 0
	for _, v := range values {
		if v != 0 {
			n++
		}
	}
	return n
}

func totalEvents(aux *rollout.Aux) int {
	n := 0
	for _, events := range aux.Events {
		n += len(events)
	}
	return n
}
