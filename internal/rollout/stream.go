package rollout

import (
	"fmt"
	"io"
	"sort"

	"dodeka/internal/tensor"
)

const streamVersion = 1

const (
	maxStreamT      = 1 << 20
	maxStreamBlocks = 64
	maxStreamEvents = 4096
	maxBlockBytes   = 1 << 20
)

var (
	tagContinue = [4]byte{'C', 'O', 'N', 'T'}
	tagTerminal = [4]byte{'T', 'E', 'R', 'M'}
)

// Game event codes carried by stream records.
const (
	EventKill         int32 = 1
	EventCreepKill    int32 = 2
	EventLevelUp      int32 = 3
	EventObjectiveUse int32 = 4
	EventDamageDealt  int32 = 5
	EventDamageTaken  int32 = 6
)

// Event is one game occurrence attributed to a record. Actor and Subject
// are participant indices; for damage events Subject instead carries the
// damage amount in thousandths of the victim's maximum health.
type Event struct {
	Type    int32
	Actor   int32
	Subject int32
	Tick    int32
}

// Aux carries the per-record game state the episode stream embeds alongside
// tensors. Reward relabeling reads it; tagged containers never carry it.
// Per-step slices are indexed with Index.
type Aux struct {
	EpisodeID uint64
	ChunkSeq  uint32
	T, A      int

	ModelVersion []int32
	GameTime     []float32
	Events       [][]Event
	PrevHP       []float32
	PrevMaxHP    []float32
	Alive        []bool
	Level        []int32
	X            []float32
	Y            []float32
	SkillPoints  []int32
	Team0Score   []int32
	Team1Score   []int32

	// Terminal reports whether the chunk closed its episode. When set,
	// TerminalRewards holds the per-participant outcome values that were
	// folded into the final timestep's rewards at decode.
	Terminal        bool
	TerminalRewards []float32
}

func newAux(t, a int) *Aux {
	n := t * a
	return &Aux{
		T:            t,
		A:            a,
		ModelVersion: make([]int32, n),
		GameTime:     make([]float32, n),
		Events:       make([][]Event, n),
		PrevHP:       make([]float32, n),
		PrevMaxHP:    make([]float32, n),
		Alive:        make([]bool, n),
		Level:        make([]int32, n),
		X:            make([]float32, n),
		Y:            make([]float32, n),
		SkillPoints:  make([]int32, n),
		Team0Score:   make([]int32, n),
		Team1Score:   make([]int32, n),
	}
}

// Index maps (timestep, participant) into the flat per-step slices.
func (x *Aux) Index(t, a int) int { return t*x.A + a }

func readF32Block(r io.Reader, n int) ([]float32, error) {
	out := make([]float32, n)
	for i := range out {
		v, err := readF32(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// placeBlock writes one record's trailing values into a contiguous
// (T, A, ...) tensor at (t, a).
func placeBlock(d *tensor.Dense, t, a int, vals []float32) {
	base := (t*d.Dim(1) + a) * len(vals)
	copy(d.Float32s()[base:base+len(vals)], vals)
}

type streamRecord struct {
	timestep    int32
	participant int32
	obs         map[string][]float32
	hiddenH     []float32
	hiddenC     []float32
	logProb     float32
	value       float32
	reward      float32
	done        bool
	masks       map[string][]float32
	actions     map[string][]float32
	unknown     []string

	modelVersion int32
	gameTime     float32
	events       []Event
	prevHP       float32
	prevMaxHP    float32
	alive        bool
	level        int32
	x, y         float32
	skillPoints  int32
	team0        int32
	team1        int32
}

// readStream parses the episode stream body after the magic. Records whose
// indices fall outside the declared bounds are logged and dropped.
func (d *Decoder) readStream(r *countingReader, path string) (*Batch, error) {
	version, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("read stream version: %w", err)
	}
	if version != streamVersion {
		return nil, &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("unsupported stream version %d", version)}
	}
	episodeID, err := readU64(r)
	if err != nil {
		return nil, fmt.Errorf("read episode id: %w", err)
	}
	chunkSeq, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("read chunk sequence: %w", err)
	}
	tLen, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("read timestep count: %w", err)
	}
	aLen, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("read participant count: %w", err)
	}
	if tLen == 0 || tLen > maxStreamT {
		return nil, &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("timestep count %d out of range", tLen)}
	}
	if int(aLen) != d.dims.Participants {
		return nil, &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("participant count %d does not match configured %d", aLen, d.dims.Participants)}
	}

	t := int(tLen)
	a := int(aLen)
	b := newEmptyBatch(t, d.dims, d.space)
	aux := newAux(t, a)
	aux.EpisodeID = episodeID
	aux.ChunkSeq = chunkSeq

	unknown := make(map[string]bool)
	for i := 0; i < t*a; i++ {
		rec, err := d.readRecord(r, path)
		if err != nil {
			return nil, err
		}
		for _, name := range rec.unknown {
			unknown[name] = true
		}
		if rec.timestep < 0 || int(rec.timestep) >= t || rec.participant < 0 || int(rec.participant) >= a {
			d.log.WithFields(map[string]any{
				"path":        path,
				"timestep":    rec.timestep,
				"participant": rec.participant,
			}).Warn("dropping out-of-bounds stream record")
			continue
		}
		d.placeRecord(b, aux, rec)
	}

	var tag [4]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, fmt.Errorf("read terminator: %w", err)
	}
	switch tag {
	case tagContinue:
	case tagTerminal:
		terminal, err := readF32Block(r, a)
		if err != nil {
			return nil, fmt.Errorf("read terminal rewards: %w", err)
		}
		last := t - 1
		for p := 0; p < a; p++ {
			b.Rewards.Set(b.Rewards.At(last, p)+terminal[p], last, p)
			b.Dones.Set(1, last, p)
		}
		aux.Terminal = true
		aux.TerminalRewards = terminal
	default:
		return nil, &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("unknown terminator %q", tag[:])}
	}

	if len(unknown) > 0 {
		names := make([]string, 0, len(unknown))
		for name := range unknown {
			names = append(names, name)
		}
		sort.Strings(names)
		d.log.WithFields(map[string]any{"path": path, "names": names}).Warn("ignoring unknown stream blocks")
	}

	b.Aux = aux
	return b, nil
}

func (d *Decoder) readRecord(r *countingReader, path string) (*streamRecord, error) {
	rec := &streamRecord{
		obs:     make(map[string][]float32, 5),
		masks:   make(map[string][]float32),
		actions: make(map[string][]float32),
	}
	var err error
	if rec.timestep, err = readI32(r); err != nil {
		return nil, fmt.Errorf("read record timestep: %w", err)
	}
	if rec.participant, err = readI32(r); err != nil {
		return nil, fmt.Errorf("read record participant: %w", err)
	}

	dims := d.dims
	obsSizes := []struct {
		name string
		n    int
	}{
		{KeySelf, dims.SelfDim},
		{KeyAlly, dims.AllyCount * dims.AllyDim},
		{KeyEnemy, dims.EnemyCount * dims.EnemyDim},
		{KeyGlobal, dims.GlobalDim},
		{KeyGrid, dims.GridChannels * dims.GridHeight * dims.GridWidth},
	}
	for _, o := range obsSizes {
		block, err := readF32Block(r, o.n)
		if err != nil {
			return nil, fmt.Errorf("read record %s: %w", o.name, err)
		}
		rec.obs[o.name] = block
	}
	if rec.hiddenH, err = readF32Block(r, dims.HiddenDim); err != nil {
		return nil, fmt.Errorf("read record recurrent state: %w", err)
	}
	if rec.hiddenC, err = readF32Block(r, dims.HiddenDim); err != nil {
		return nil, fmt.Errorf("read record recurrent state: %w", err)
	}
	if rec.logProb, err = readF32(r); err != nil {
		return nil, fmt.Errorf("read record log prob: %w", err)
	}
	if rec.value, err = readF32(r); err != nil {
		return nil, fmt.Errorf("read record value: %w", err)
	}
	if rec.reward, err = readF32(r); err != nil {
		return nil, fmt.Errorf("read record reward: %w", err)
	}
	doneByte, err := readU8(r)
	if err != nil {
		return nil, fmt.Errorf("read record done flag: %w", err)
	}
	rec.done = doneByte != 0

	if err := d.readMaskBlocks(r, path, rec); err != nil {
		return nil, err
	}
	if err := d.readActionBlocks(r, path, rec); err != nil {
		return nil, err
	}

	if rec.modelVersion, err = readI32(r); err != nil {
		return nil, fmt.Errorf("read record model version: %w", err)
	}
	if rec.gameTime, err = readF32(r); err != nil {
		return nil, fmt.Errorf("read record game time: %w", err)
	}
	eventCount, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("read record event count: %w", err)
	}
	if eventCount > maxStreamEvents {
		return nil, &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("event count %d out of range", eventCount)}
	}
	rec.events = make([]Event, eventCount)
	for i := range rec.events {
		var ev Event
		if ev.Type, err = readI32(r); err != nil {
			return nil, fmt.Errorf("read event type: %w", err)
		}
		if ev.Actor, err = readI32(r); err != nil {
			return nil, fmt.Errorf("read event actor: %w", err)
		}
		if ev.Subject, err = readI32(r); err != nil {
			return nil, fmt.Errorf("read event subject: %w", err)
		}
		if ev.Tick, err = readI32(r); err != nil {
			return nil, fmt.Errorf("read event tick: %w", err)
		}
		rec.events[i] = ev
	}

	if rec.prevHP, err = readF32(r); err != nil {
		return nil, fmt.Errorf("read record prev hp: %w", err)
	}
	if rec.prevMaxHP, err = readF32(r); err != nil {
		return nil, fmt.Errorf("read record prev max hp: %w", err)
	}
	aliveByte, err := readU8(r)
	if err != nil {
		return nil, fmt.Errorf("read record alive flag: %w", err)
	}
	rec.alive = aliveByte != 0
	if rec.level, err = readI32(r); err != nil {
		return nil, fmt.Errorf("read record level: %w", err)
	}
	if rec.x, err = readF32(r); err != nil {
		return nil, fmt.Errorf("read record x: %w", err)
	}
	if rec.y, err = readF32(r); err != nil {
		return nil, fmt.Errorf("read record y: %w", err)
	}
	if rec.skillPoints, err = readI32(r); err != nil {
		return nil, fmt.Errorf("read record skill points: %w", err)
	}
	if rec.team0, err = readI32(r); err != nil {
		return nil, fmt.Errorf("read record team score: %w", err)
	}
	if rec.team1, err = readI32(r); err != nil {
		return nil, fmt.Errorf("read record team score: %w", err)
	}
	return rec, nil
}

func (d *Decoder) readMaskBlocks(r *countingReader, path string, rec *streamRecord) error {
	count, err := readU32(r)
	if err != nil {
		return fmt.Errorf("read mask count: %w", err)
	}
	if count > maxStreamBlocks {
		return &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("mask count %d out of range", count)}
	}
	for i := 0; i < int(count); i++ {
		name, err := readName(r, path, r.n)
		if err != nil {
			return fmt.Errorf("read mask name: %w", err)
		}
		byteLen, err := readI64(r)
		if err != nil {
			return fmt.Errorf("read mask %q length: %w", name, err)
		}
		if byteLen < 0 || byteLen > maxBlockBytes {
			return &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("mask %q: byte length %d out of range", name, byteLen)}
		}
		raw := make([]byte, byteLen)
		if _, err := io.ReadFull(r, raw); err != nil {
			return fmt.Errorf("read mask %q payload: %w", name, err)
		}
		size := d.space.DiscreteSize(name)
		if size == 0 {
			rec.unknown = append(rec.unknown, "mask_"+name)
			continue
		}
		if int(byteLen) != size {
			return &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("mask %q: byte length %d does not match head size %d", name, byteLen, size)}
		}
		vals := make([]float32, size)
		for j, bv := range raw {
			if bv != 0 {
				vals[j] = 1
			}
		}
		rec.masks[name] = vals
	}
	return nil
}

func (d *Decoder) readActionBlocks(r *countingReader, path string, rec *streamRecord) error {
	count, err := readU32(r)
	if err != nil {
		return fmt.Errorf("read action count: %w", err)
	}
	if count > maxStreamBlocks {
		return &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("action count %d out of range", count)}
	}
	for i := 0; i < int(count); i++ {
		name, err := readName(r, path, r.n)
		if err != nil {
			return fmt.Errorf("read action name: %w", err)
		}
		byteLen, err := readI64(r)
		if err != nil {
			return fmt.Errorf("read action %q length: %w", name, err)
		}
		if byteLen < 0 || byteLen > maxBlockBytes {
			return &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("action %q: byte length %d out of range", name, byteLen)}
		}
		raw := make([]byte, byteLen)
		if _, err := io.ReadFull(r, raw); err != nil {
			return fmt.Errorf("read action %q payload: %w", name, err)
		}
		if size := d.space.DiscreteSize(name); size > 0 {
			if byteLen != 8 {
				return &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("action %q: byte length %d for index (want 8)", name, byteLen)}
			}
			vals, err := decodeFloats(Entry{Name: name, DType: I64, Shape: []int64{1}, Raw: raw})
			if err != nil {
				return &FormatError{Path: path, Offset: r.n, Reason: err.Error()}
			}
			rec.actions[name] = vals
			continue
		}
		if dim := d.space.ContinuousDim(name); dim > 0 {
			if int(byteLen) != 4*dim {
				return &FormatError{Path: path, Offset: r.n, Reason: fmt.Sprintf("action %q: byte length %d does not match dim %d", name, byteLen, dim)}
			}
			vals, err := decodeFloats(Entry{Name: name, DType: F32, Shape: []int64{int64(dim)}, Raw: raw})
			if err != nil {
				return &FormatError{Path: path, Offset: r.n, Reason: err.Error()}
			}
			rec.actions[name] = vals
			continue
		}
		rec.unknown = append(rec.unknown, "act_"+name)
	}
	return nil
}

func (d *Decoder) placeRecord(b *Batch, aux *Aux, rec *streamRecord) {
	t := int(rec.timestep)
	a := int(rec.participant)
	for name, block := range rec.obs {
		placeBlock(b.Obs[name], t, a, block)
	}
	placeBlock(b.HiddenH, t, a, rec.hiddenH)
	placeBlock(b.HiddenC, t, a, rec.hiddenC)
	b.LogProbs.Set(rec.logProb, t, a)
	b.Values.Set(rec.value, t, a)
	b.Rewards.Set(rec.reward, t, a)
	if rec.done {
		b.Dones.Set(1, t, a)
	}
	for name, vals := range rec.masks {
		placeBlock(b.Masks[name], t, a, vals)
	}
	for name, vals := range rec.actions {
		if d.space.DiscreteSize(name) > 0 {
			b.Actions[name].Set(vals[0], t, a)
			continue
		}
		placeBlock(b.Actions[name], t, a, vals)
	}

	i := aux.Index(t, a)
	aux.ModelVersion[i] = rec.modelVersion
	aux.GameTime[i] = rec.gameTime
	aux.Events[i] = rec.events
	aux.PrevHP[i] = rec.prevHP
	aux.PrevMaxHP[i] = rec.prevMaxHP
	aux.Alive[i] = rec.alive
	aux.Level[i] = rec.level
	aux.X[i] = rec.x
	aux.Y[i] = rec.y
	aux.SkillPoints[i] = rec.skillPoints
	aux.Team0Score[i] = rec.team0
	aux.Team1Score[i] = rec.team1
}

// WriteStream serializes a batch as an episode stream chunk. Rewards should
// be the raw per-step values; when aux marks the chunk terminal the terminal
// rewards are written separately rather than folded in. Intended for fixture
// generation and replay tooling.
func WriteStream(w io.Writer, b *Batch) error {
	aux := b.Aux
	if aux == nil {
		aux = newAux(b.T, b.A)
	}
	if _, err := w.Write(magicStream[:]); err != nil {
		return err
	}
	if err := writeU32(w, streamVersion); err != nil {
		return err
	}
	if err := writeU64(w, aux.EpisodeID); err != nil {
		return err
	}
	if err := writeU32(w, aux.ChunkSeq); err != nil {
		return err
	}
	if err := writeU32(w, uint32(b.T)); err != nil {
		return err
	}
	if err := writeU32(w, uint32(b.A)); err != nil {
		return err
	}
	for t := 0; t < b.T; t++ {
		for a := 0; a < b.A; a++ {
			if err := writeStreamRecord(w, b, aux, t, a); err != nil {
				return err
			}
		}
	}
	if !aux.Terminal {
		_, err := w.Write(tagContinue[:])
		return err
	}
	if _, err := w.Write(tagTerminal[:]); err != nil {
		return err
	}
	for a := 0; a < b.A; a++ {
		v := float32(0)
		if a < len(aux.TerminalRewards) {
			v = aux.TerminalRewards[a]
		}
		if err := writeF32(w, v); err != nil {
			return err
		}
	}
	return nil
}

func writeBlock(w io.Writer, d *tensor.Dense, t, a int) error {
	step := 1
	for axis := 2; axis < d.Rank(); axis++ {
		step *= d.Dim(axis)
	}
	raw := d.Float32s()
	base := (t*d.Dim(1) + a) * step
	for _, v := range raw[base : base+step] {
		if err := writeF32(w, v); err != nil {
			return err
		}
	}
	return nil
}

func writeStreamRecord(w io.Writer, b *Batch, aux *Aux, t, a int) error {
	if err := writeI32(w, int32(t)); err != nil {
		return err
	}
	if err := writeI32(w, int32(a)); err != nil {
		return err
	}
	for _, name := range []string{KeySelf, KeyAlly, KeyEnemy, KeyGlobal, KeyGrid} {
		if err := writeBlock(w, b.Obs[name], t, a); err != nil {
			return err
		}
	}
	if err := writeBlock(w, b.HiddenH, t, a); err != nil {
		return err
	}
	if err := writeBlock(w, b.HiddenC, t, a); err != nil {
		return err
	}
	if err := writeF32(w, b.LogProbs.At(t, a)); err != nil {
		return err
	}
	if err := writeF32(w, b.Values.At(t, a)); err != nil {
		return err
	}
	if err := writeF32(w, b.Rewards.At(t, a)); err != nil {
		return err
	}
	done := uint8(0)
	if b.Dones.At(t, a) != 0 {
		done = 1
	}
	if err := writeU8(w, done); err != nil {
		return err
	}

	maskNames := sortedKeys(b.Masks)
	if err := writeU32(w, uint32(len(maskNames))); err != nil {
		return err
	}
	for _, name := range maskNames {
		if err := writeName(w, name); err != nil {
			return err
		}
		d := b.Masks[name]
		size := d.Dim(2)
		if err := writeI64(w, int64(size)); err != nil {
			return err
		}
		raw := d.Float32s()
		base := (t*d.Dim(1) + a) * size
		buf := make([]byte, size)
		for i, v := range raw[base : base+size] {
			if v != 0 {
				buf[i] = 1
			}
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}

	actNames := sortedKeys(b.Actions)
	if err := writeU32(w, uint32(len(actNames))); err != nil {
		return err
	}
	for _, name := range actNames {
		if err := writeName(w, name); err != nil {
			return err
		}
		d := b.Actions[name]
		if d.Rank() == 2 {
			if err := writeI64(w, 8); err != nil {
				return err
			}
			if err := writeI64(w, int64(d.At(t, a))); err != nil {
				return err
			}
			continue
		}
		dim := d.Dim(2)
		if err := writeI64(w, int64(4*dim)); err != nil {
			return err
		}
		if err := writeBlock(w, d, t, a); err != nil {
			return err
		}
	}

	i := aux.Index(t, a)
	if err := writeI32(w, aux.ModelVersion[i]); err != nil {
		return err
	}
	if err := writeF32(w, aux.GameTime[i]); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(aux.Events[i]))); err != nil {
		return err
	}
	for _, ev := range aux.Events[i] {
		for _, v := range []int32{ev.Type, ev.Actor, ev.Subject, ev.Tick} {
			if err := writeI32(w, v); err != nil {
				return err
			}
		}
	}
	if err := writeF32(w, aux.PrevHP[i]); err != nil {
		return err
	}
	if err := writeF32(w, aux.PrevMaxHP[i]); err != nil {
		return err
	}
	alive := uint8(0)
	if aux.Alive[i] {
		alive = 1
	}
	if err := writeU8(w, alive); err != nil {
		return err
	}
	if err := writeI32(w, aux.Level[i]); err != nil {
		return err
	}
	if err := writeF32(w, aux.X[i]); err != nil {
		return err
	}
	if err := writeF32(w, aux.Y[i]); err != nil {
		return err
	}
	if err := writeI32(w, aux.SkillPoints[i]); err != nil {
		return err
	}
	if err := writeI32(w, aux.Team0Score[i]); err != nil {
		return err
	}
	return writeI32(w, aux.Team1Score[i])
}

func sortedKeys(m map[string]*tensor.Dense) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
