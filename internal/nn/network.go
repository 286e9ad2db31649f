package nn

import (
	"fmt"
	"math"
	"math/rand"

	"dodeka/internal/model"
	"dodeka/internal/rollout"
	"dodeka/internal/tensor"
	"dodeka/internal/trajectory"
)

// FeatureWidths sizes the per-group observation encoders. Zero fields fall
// back to the defaults.
type FeatureWidths struct {
	Self   int
	Ally   int
	Enemy  int
	Global int
	Grid   int
}

func (f FeatureWidths) withDefaults() FeatureWidths {
	if f.Self == 0 {
		f.Self = 128
	}
	if f.Ally == 0 {
		f.Ally = 64
	}
	if f.Enemy == 0 {
		f.Enemy = 64
	}
	if f.Global == 0 {
		f.Global = 32
	}
	if f.Grid == 0 {
		f.Grid = 64
	}
	return f
}

func (f FeatureWidths) total() int {
	return f.Self + f.Ally + f.Enemy + f.Global + f.Grid
}

// NetworkConfig describes one participant's policy network.
type NetworkConfig struct {
	Dims     model.Dims
	Space    model.ActionSpace
	Features FeatureWidths
	// Seed drives parameter initialization so participants can start from
	// distinct weights deterministically.
	Seed int64
}

// Network is a recurrent actor-critic: linear encoders per observation
// group feed a fusion layer, an LSTM carries state across timesteps, and
// separate heads emit masked categorical choices, squashed Gaussian
// controls and the value estimate.
type Network struct {
	dims     model.Dims
	space    model.ActionSpace
	features FeatureWidths

	selfEnc   linear
	allyEnc   linear
	enemyEnc  linear
	globalEnc linear
	gridEnc   linear
	fusion    linear
	cell      lstmCell

	discHeads []linear
	contMean  []linear
	contStd   [][]float64
	valueHead linear
}

// lstmCell packs the four gates as stacked rows ordered input, forget,
// cell, output.
type lstmCell struct {
	in, hidden int
	wx         []float64 // (4H x in)
	wh         []float64 // (4H x H)
	b          []float64 // (4H)
}

func newLSTMCell(in, hidden int, rng *rand.Rand) lstmCell {
	c := lstmCell{
		in:     in,
		hidden: hidden,
		wx:     make([]float64, 4*hidden*in),
		wh:     make([]float64, 4*hidden*hidden),
		b:      make([]float64, 4*hidden),
	}
	bound := 1.0 / math.Sqrt(float64(hidden))
	for i := range c.wx {
		c.wx[i] = (rng.Float64()*2 - 1) * bound
	}
	for i := range c.wh {
		c.wh[i] = (rng.Float64()*2 - 1) * bound
	}
	for i := range c.b {
		c.b[i] = (rng.Float64()*2 - 1) * bound
	}
	// Positive forget bias keeps early training from flushing state.
	for h := 0; h < hidden; h++ {
		c.b[hidden+h] += 1
	}
	return c
}

func NewNetwork(cfg NetworkConfig) (*Network, error) {
	dims := cfg.Dims
	if dims.Participants <= 0 || dims.SelfDim <= 0 || dims.HiddenDim <= 0 {
		return nil, fmt.Errorf("dims are required")
	}
	if len(cfg.Space.Discrete) == 0 && len(cfg.Space.Continuous) == 0 {
		return nil, fmt.Errorf("action space is required")
	}
	features := cfg.Features.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))

	n := &Network{
		dims:     dims,
		space:    cfg.Space,
		features: features,
	}
	n.selfEnc = newLinear("self_enc", dims.SelfDim, features.Self, rng)
	n.allyEnc = newLinear("ally_enc", dims.AllyCount*dims.AllyDim, features.Ally, rng)
	n.enemyEnc = newLinear("enemy_enc", dims.EnemyCount*dims.EnemyDim, features.Enemy, rng)
	n.globalEnc = newLinear("global_enc", dims.GlobalDim, features.Global, rng)
	n.gridEnc = newLinear("grid_enc", dims.GridChannels*dims.GridHeight*dims.GridWidth, features.Grid, rng)
	n.fusion = newLinear("fusion", features.total(), dims.HiddenDim, rng)
	n.cell = newLSTMCell(dims.HiddenDim, dims.HiddenDim, rng)

	for _, h := range cfg.Space.Discrete {
		n.discHeads = append(n.discHeads, newLinear("head."+h.Name, dims.HiddenDim, h.Size, rng))
	}
	for _, h := range cfg.Space.Continuous {
		n.contMean = append(n.contMean, newLinear("cont."+h.Name+".mean", dims.HiddenDim, h.Dim, rng))
		std := make([]float64, h.Dim)
		for i := range std {
			std[i] = -0.5
		}
		n.contStd = append(n.contStd, std)
	}
	n.valueHead = newLinear("value", dims.HiddenDim, 1, rng)
	return n, nil
}

// Parameters lists every parameter tensor in a stable order. Data slices
// are live references, so optimizer updates mutate the network in place.
func (n *Network) Parameters() []Param {
	params := make([]Param, 0, 16)
	for _, l := range []*linear{&n.selfEnc, &n.allyEnc, &n.enemyEnc, &n.globalEnc, &n.gridEnc, &n.fusion} {
		params = append(params, l.params()...)
	}
	params = append(params,
		Param{Name: "lstm.wx", Shape: []int{4 * n.cell.hidden, n.cell.in}, Data: n.cell.wx},
		Param{Name: "lstm.wh", Shape: []int{4 * n.cell.hidden, n.cell.hidden}, Data: n.cell.wh},
		Param{Name: "lstm.b", Shape: []int{4 * n.cell.hidden}, Data: n.cell.b},
	)
	for i := range n.discHeads {
		params = append(params, n.discHeads[i].params()...)
	}
	for i := range n.contMean {
		params = append(params, n.contMean[i].params()...)
		params = append(params, Param{
			Name:  "cont." + n.space.Continuous[i].Name + ".logstd",
			Shape: []int{len(n.contStd[i])},
			Data:  n.contStd[i],
		})
	}
	params = append(params, n.valueHead.params()...)
	return params
}

// SetParameters overwrites the network from a named snapshot. Every
// parameter must be present with a matching length.
func (n *Network) SetParameters(snapshot map[string][]float64) error {
	for _, p := range n.Parameters() {
		src, ok := snapshot[p.Name]
		if !ok {
			return fmt.Errorf("snapshot is missing %q", p.Name)
		}
		if len(src) != len(p.Data) {
			return fmt.Errorf("snapshot %q length mismatch: got=%d want=%d", p.Name, len(src), len(p.Data))
		}
		copy(p.Data, src)
	}
	return nil
}

// Snapshot copies every parameter into a detached name-keyed map.
func (n *Network) Snapshot() map[string][]float64 {
	out := make(map[string][]float64)
	for _, p := range n.Parameters() {
		out[p.Name] = append([]float64(nil), p.Data...)
	}
	return out
}

// ExportEntries converts the parameters to float32 container entries with
// names under the given prefix.
func (n *Network) ExportEntries(prefix string) []rollout.Entry {
	params := n.Parameters()
	entries := make([]rollout.Entry, 0, len(params))
	for _, p := range params {
		raw := make([]byte, 4*len(p.Data))
		for i, v := range p.Data {
			putF32(raw[4*i:], float32(v))
		}
		shape := make([]int64, len(p.Shape))
		for i, dim := range p.Shape {
			shape[i] = int64(dim)
		}
		entries = append(entries, rollout.Entry{Name: prefix + p.Name, DType: rollout.F32, Shape: shape, Raw: raw})
	}
	return entries
}

type lstmGates struct {
	i, f, g, o []float64
	c          []float64
	tanhC      []float64
	h          []float64
}

type discTape struct {
	probs  []float64
	mask   []float64
	action int
}

type contTape struct {
	meanPre []float64
	mean    []float64
	u       []float64
	sigma   []float64
	clipped []bool
}

type stepTape struct {
	selfIn, allyIn, enemyIn, globalIn, gridIn []float64
	selfF, allyF, enemyF, globalF, gridF      []float64
	concat                                    []float64
	trunkIn                                   []float64
	hPrev, cPrev                              []float64
	gates                                     lstmGates
	disc                                      []discTape
	cont                                      []contTape
}

// SequenceEval holds per-step policy outputs plus the cached activations
// Backward consumes. It stays valid until the next parameter update.
type SequenceEval struct {
	B, L int

	// LogProbs and Entropy are summed over every action head; Values is
	// the critic estimate. All are indexed [window][step].
	LogProbs [][]float64
	Entropy  [][]float64
	Values   [][]float64

	tape [][]stepTape
}

func grid2(b, l int) [][]float64 {
	out := make([][]float64, b)
	for i := range out {
		out[i] = make([]float64, l)
	}
	return out
}

func sliceAt(d *tensor.Dense, b, t int) []float64 {
	step := 1
	for axis := 2; axis < d.Rank(); axis++ {
		step *= d.Dim(axis)
	}
	raw := d.Float32s()
	base := (b*d.Dim(1) + t) * step
	out := make([]float64, step)
	for i, v := range raw[base : base+step] {
		out[i] = float64(v)
	}
	return out
}

// stateAt reads one window's opening recurrent vector from (B, 1, H).
func stateAt(d *tensor.Dense, b, hidden int) []float64 {
	raw := d.Float32s()
	out := make([]float64, hidden)
	for i, v := range raw[b*hidden : (b+1)*hidden] {
		out[i] = float64(v)
	}
	return out
}

// EvaluateSequences runs the policy over every window in the batch,
// threading the recurrent state forward from each window's opening values.
func (n *Network) EvaluateSequences(sb *trajectory.SequenceBatch) (*SequenceEval, error) {
	if sb == nil || sb.B == 0 || sb.L == 0 {
		return nil, fmt.Errorf("sequence batch is required")
	}
	for _, key := range []string{rollout.KeySelf, rollout.KeyAlly, rollout.KeyEnemy, rollout.KeyGlobal, rollout.KeyGrid} {
		if sb.Obs[key] == nil {
			return nil, fmt.Errorf("sequence batch is missing obs %q", key)
		}
	}

	eval := &SequenceEval{
		B:        sb.B,
		L:        sb.L,
		LogProbs: grid2(sb.B, sb.L),
		Entropy:  grid2(sb.B, sb.L),
		Values:   grid2(sb.B, sb.L),
		tape:     make([][]stepTape, sb.B),
	}

	for b := 0; b < sb.B; b++ {
		eval.tape[b] = make([]stepTape, sb.L)
		h := stateAt(sb.HiddenH, b, n.dims.HiddenDim)
		c := stateAt(sb.HiddenC, b, n.dims.HiddenDim)
		for t := 0; t < sb.L; t++ {
			tape := &eval.tape[b][t]
			logProb, entropy, value, err := n.step(sb, b, t, h, c, tape)
			if err != nil {
				return nil, err
			}
			eval.LogProbs[b][t] = logProb
			eval.Entropy[b][t] = entropy
			eval.Values[b][t] = value
			h = tape.gates.h
			c = tape.gates.c
		}
	}
	return eval, nil
}

func (n *Network) step(sb *trajectory.SequenceBatch, b, t int, h, c []float64, tape *stepTape) (logProb, entropy, value float64, err error) {
	tape.selfIn = sliceAt(sb.Obs[rollout.KeySelf], b, t)
	tape.allyIn = sliceAt(sb.Obs[rollout.KeyAlly], b, t)
	tape.enemyIn = sliceAt(sb.Obs[rollout.KeyEnemy], b, t)
	tape.globalIn = sliceAt(sb.Obs[rollout.KeyGlobal], b, t)
	tape.gridIn = sliceAt(sb.Obs[rollout.KeyGrid], b, t)

	tape.selfF = reluInPlace(n.selfEnc.forward(tape.selfIn))
	tape.allyF = reluInPlace(n.allyEnc.forward(tape.allyIn))
	tape.enemyF = reluInPlace(n.enemyEnc.forward(tape.enemyIn))
	tape.globalF = reluInPlace(n.globalEnc.forward(tape.globalIn))
	tape.gridF = reluInPlace(n.gridEnc.forward(tape.gridIn))

	tape.concat = make([]float64, 0, n.features.total())
	tape.concat = append(tape.concat, tape.selfF...)
	tape.concat = append(tape.concat, tape.allyF...)
	tape.concat = append(tape.concat, tape.enemyF...)
	tape.concat = append(tape.concat, tape.globalF...)
	tape.concat = append(tape.concat, tape.gridF...)

	tape.trunkIn = reluInPlace(n.fusion.forward(tape.concat))
	tape.hPrev = h
	tape.cPrev = c
	tape.gates = n.cell.forward(tape.trunkIn, h, c)
	trunk := tape.gates.h

	tape.disc = make([]discTape, len(n.discHeads))
	for i := range n.discHeads {
		spec := n.space.Discrete[i]
		logits := n.discHeads[i].forward(trunk)
		var mask []float64
		if m := sb.Masks[spec.Name]; m != nil {
			mask = sliceAt(m, b, t)
		}
		probs := maskedSoftmax(logits, mask)
		actT := sb.Actions[spec.Name]
		if actT == nil {
			return 0, 0, 0, fmt.Errorf("sequence batch is missing action %q", spec.Name)
		}
		action := int(actT.At(b, t))
		if action < 0 || action >= spec.Size {
			return 0, 0, 0, fmt.Errorf("action %d out of range for head %q", action, spec.Name)
		}
		tape.disc[i] = discTape{probs: probs, mask: mask, action: action}

		p := probs[action]
		if p < 1e-12 {
			p = 1e-12
		}
		logProb += math.Log(p)
		entropy += categoricalEntropy(probs)
	}

	tape.cont = make([]contTape, len(n.contMean))
	for i := range n.contMean {
		spec := n.space.Continuous[i]
		actT := sb.Actions[spec.Name]
		if actT == nil {
			return 0, 0, 0, fmt.Errorf("sequence batch is missing action %q", spec.Name)
		}
		y := sliceAt(actT, b, t)
		if len(y) != spec.Dim {
			return 0, 0, 0, fmt.Errorf("action %q dim mismatch: got=%d want=%d", spec.Name, len(y), spec.Dim)
		}
		ct := contTape{
			meanPre: n.contMean[i].forward(trunk),
			mean:    make([]float64, spec.Dim),
			u:       make([]float64, spec.Dim),
			sigma:   make([]float64, spec.Dim),
			clipped: make([]bool, spec.Dim),
		}
		for d := 0; d < spec.Dim; d++ {
			ct.mean[d] = math.Tanh(ct.meanPre[d])
			logStd := n.contStd[i][d]
			if logStd <= logStdMin {
				logStd = logStdMin
				ct.clipped[d] = true
			} else if logStd >= logStdMax {
				logStd = logStdMax
				ct.clipped[d] = true
			}
			ct.sigma[d] = math.Exp(logStd)
			ct.u[d] = atanh(y[d])

			z := (ct.u[d] - ct.mean[d]) / ct.sigma[d]
			logProb += -0.5*z*z - math.Log(ct.sigma[d]) - 0.5*math.Log(2*math.Pi)
			logProb -= math.Log(1 - y[d]*y[d] + squashEps)
			entropy += halfLog2PiE + math.Log(ct.sigma[d])
		}
		tape.cont[i] = ct
	}

	value = n.valueHead.forward(trunk)[0]
	return logProb, entropy, value, nil
}

func (c *lstmCell) forward(x, hPrev, cPrev []float64) lstmGates {
	H := c.hidden
	pre := make([]float64, 4*H)
	for row := 0; row < 4*H; row++ {
		sum := c.b[row]
		wxRow := c.wx[row*c.in : (row+1)*c.in]
		for i, xv := range x {
			sum += wxRow[i] * xv
		}
		whRow := c.wh[row*H : (row+1)*H]
		for i, hv := range hPrev {
			sum += whRow[i] * hv
		}
		pre[row] = sum
	}
	g := lstmGates{
		i:     make([]float64, H),
		f:     make([]float64, H),
		g:     make([]float64, H),
		o:     make([]float64, H),
		c:     make([]float64, H),
		tanhC: make([]float64, H),
		h:     make([]float64, H),
	}
	for j := 0; j < H; j++ {
		g.i[j] = sigmoid(pre[j])
		g.f[j] = sigmoid(pre[H+j])
		g.g[j] = math.Tanh(pre[2*H+j])
		g.o[j] = sigmoid(pre[3*H+j])
		g.c[j] = g.f[j]*cPrev[j] + g.i[j]*g.g[j]
		g.tanhC[j] = math.Tanh(g.c[j])
		g.h[j] = g.o[j] * g.tanhC[j]
	}
	return g
}

// InitState returns zeroed recurrent tensors shaped (B, 1, H) for fresh
// episodes.
func (n *Network) InitState(batch int) (h, c *tensor.Dense) {
	return tensor.New(batch, 1, n.dims.HiddenDim), tensor.New(batch, 1, n.dims.HiddenDim)
}

func putF32(raw []byte, v float32) {
	bits := math.Float32bits(v)
	raw[0] = byte(bits)
	raw[1] = byte(bits >> 8)
	raw[2] = byte(bits >> 16)
	raw[3] = byte(bits >> 24)
}
