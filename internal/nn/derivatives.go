package nn

import (
	"fmt"
	"math"
)

// EvalGrad carries the loss gradient with respect to each per-step policy
// output, indexed [window][step] like the outputs themselves.
type EvalGrad struct {
	LogProb [][]float64
	Entropy [][]float64
	Value   [][]float64
}

// Backward runs truncated backpropagation through the evaluated windows and
// returns accumulated parameter gradients. Gradients do not flow into the
// stored opening recurrent state.
func (n *Network) Backward(eval *SequenceEval, grad EvalGrad) (*Gradients, error) {
	if eval == nil {
		return nil, fmt.Errorf("evaluation is required")
	}
	if grad.LogProb == nil || grad.Entropy == nil || grad.Value == nil {
		return nil, fmt.Errorf("output gradients are required")
	}
	for _, grid := range [][][]float64{grad.LogProb, grad.Entropy, grad.Value} {
		if len(grid) != eval.B {
			return nil, fmt.Errorf("output gradient windows mismatch: got=%d want=%d", len(grid), eval.B)
		}
		for _, row := range grid {
			if len(row) != eval.L {
				return nil, fmt.Errorf("output gradient steps mismatch: got=%d want=%d", len(row), eval.L)
			}
		}
	}
	g := newGradients(n.Parameters())
	H := n.dims.HiddenDim

	for b := 0; b < eval.B; b++ {
		dhCarry := make([]float64, H)
		dcCarry := make([]float64, H)
		for t := eval.L - 1; t >= 0; t-- {
			tape := &eval.tape[b][t]
			trunk := tape.gates.h
			gLP := grad.LogProb[b][t]
			gEnt := grad.Entropy[b][t]
			gVal := grad.Value[b][t]

			dTrunk := make([]float64, H)
			addInto(dTrunk, n.valueHead.backward(g, trunk, []float64{gVal}))

			for i := range n.discHeads {
				dt := &tape.disc[i]
				dLogits := discreteLogitGrad(dt, gLP, gEnt)
				addInto(dTrunk, n.discHeads[i].backward(g, trunk, dLogits))
			}

			for i := range n.contMean {
				ct := &tape.cont[i]
				dMeanPre := make([]float64, len(ct.mean))
				stdGrad := g.For("cont." + n.space.Continuous[i].Name + ".logstd")
				for d := range ct.mean {
					z := (ct.u[d] - ct.mean[d]) / ct.sigma[d]
					dMean := gLP * z / ct.sigma[d]
					dMeanPre[d] = dMean * (1 - ct.mean[d]*ct.mean[d])
					if !ct.clipped[d] {
						stdGrad[d] += gLP*(z*z-1) + gEnt
					}
				}
				addInto(dTrunk, n.contMean[i].backward(g, trunk, dMeanPre))
			}

			var dx []float64
			dx, dhCarry, dcCarry = n.cell.backward(g, tape, dTrunk, dhCarry, dcCarry)

			dFused := reluBackward(tape.trunkIn, dx)
			dConcat := n.fusion.backward(g, tape.concat, dFused)

			offset := 0
			for _, enc := range []struct {
				layer    *linear
				in, post []float64
			}{
				{&n.selfEnc, tape.selfIn, tape.selfF},
				{&n.allyEnc, tape.allyIn, tape.allyF},
				{&n.enemyEnc, tape.enemyIn, tape.enemyF},
				{&n.globalEnc, tape.globalIn, tape.globalF},
				{&n.gridEnc, tape.gridIn, tape.gridF},
			} {
				width := enc.layer.out
				part := reluBackward(enc.post, dConcat[offset:offset+width])
				enc.layer.backward(g, enc.in, part)
				offset += width
			}
		}
	}
	return g, nil
}

// discreteLogitGrad combines the log-prob and entropy chains into a logit
// gradient for one categorical head.
func discreteLogitGrad(dt *discTape, gLP, gEnt float64) []float64 {
	headEntropy := categoricalEntropy(dt.probs)
	dLogits := make([]float64, len(dt.probs))
	for j, p := range dt.probs {
		if p <= 0 {
			continue
		}
		d := -gLP * p
		if j == dt.action {
			d += gLP
		}
		d -= gEnt * p * (math.Log(p) + headEntropy)
		dLogits[j] = d
	}
	return dLogits
}

// backward propagates one LSTM step, returning the input gradient and the
// carries for the previous timestep.
func (c *lstmCell) backward(g *Gradients, tape *stepTape, dTrunk, dhCarry, dcCarry []float64) (dx, dhPrev, dcPrev []float64) {
	H := c.hidden
	gs := &tape.gates

	dz := make([]float64, 4*H)
	dcPrev = make([]float64, H)
	for j := 0; j < H; j++ {
		dh := dTrunk[j] + dhCarry[j]
		do := dh * gs.tanhC[j]
		dc := dh*gs.o[j]*(1-gs.tanhC[j]*gs.tanhC[j]) + dcCarry[j]

		di := dc * gs.g[j]
		df := dc * tape.cPrev[j]
		dg := dc * gs.i[j]

		dz[j] = di * gs.i[j] * (1 - gs.i[j])
		dz[H+j] = df * gs.f[j] * (1 - gs.f[j])
		dz[2*H+j] = dg * (1 - gs.g[j]*gs.g[j])
		dz[3*H+j] = do * gs.o[j] * (1 - gs.o[j])

		dcPrev[j] = dc * gs.f[j]
	}

	wxGrad := g.For("lstm.wx")
	whGrad := g.For("lstm.wh")
	bGrad := g.For("lstm.b")
	dx = make([]float64, c.in)
	dhPrev = make([]float64, H)
	for row := 0; row < 4*H; row++ {
		d := dz[row]
		if d == 0 {
			continue
		}
		wxRow := c.wx[row*c.in : (row+1)*c.in]
		wxGradRow := wxGrad[row*c.in : (row+1)*c.in]
		for k, xv := range tape.trunkIn {
			wxGradRow[k] += d * xv
			dx[k] += d * wxRow[k]
		}
		whRow := c.wh[row*H : (row+1)*H]
		whGradRow := whGrad[row*H : (row+1)*H]
		for k, hv := range tape.hPrev {
			whGradRow[k] += d * hv
			dhPrev[k] += d * whRow[k]
		}
		bGrad[row] += d
	}
	return dx, dhPrev, dcPrev
}

func addInto(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}
