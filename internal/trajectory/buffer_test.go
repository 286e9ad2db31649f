package trajectory

import (
	"errors"
	"math"
	"testing"

	"dodeka/internal/rollout"
	"dodeka/internal/tensor"
)

// testBatch builds a minimal decoded rollout with deterministic contents.
func testBatch(tLen, aLen int) *rollout.Batch {
	b := &rollout.Batch{
		T:        tLen,
		A:        aLen,
		Obs:      map[string]*tensor.Dense{"self_vecs": tensor.New(tLen, aLen, 2)},
		HiddenH:  tensor.New(tLen, aLen, 1, 2),
		HiddenC:  tensor.New(tLen, aLen, 1, 2),
		LogProbs: tensor.New(tLen, aLen),
		Values:   tensor.New(tLen, aLen),
		Rewards:  tensor.New(tLen, aLen),
		Dones:    tensor.New(tLen, aLen),
		Masks:    map[string]*tensor.Dense{"alpha": tensor.New(tLen, aLen, 3)},
		Actions:  map[string]*tensor.Dense{"alpha": tensor.New(tLen, aLen)},
	}
	for t := 0; t < tLen; t++ {
		for a := 0; a < aLen; a++ {
			b.Obs["self_vecs"].Set(float32(t*100+a), t, a, 0)
			b.HiddenH.Set(float32(t*1000+a), t, a, 0, 0)
			b.HiddenC.Set(float32(t*1000+a), t, a, 0, 1)
			b.LogProbs.Set(float32(t)*-0.1, t, a)
			b.Values.Set(float32(t)*0.3+float32(a)*0.1, t, a)
			b.Rewards.Set(float32(t%3)*0.5-float32(a)*0.05, t, a)
		}
	}
	return b
}

func mustBuffer(t *testing.T, b *rollout.Batch) *Buffer {
	t.Helper()
	buf, err := FromBatch(b)
	if err != nil {
		t.Fatalf("from batch failed: %v", err)
	}
	return buf
}

func closeAt(t *testing.T, got, want float32, what string) {
	t.Helper()
	if math.Abs(float64(got-want)) > 1e-5 {
		t.Fatalf("%s: got=%v want=%v", what, got, want)
	}
}

func TestComputeGAEBootstrap(t *testing.T) {
	b := testBatch(1, 1)
	b.Rewards.Set(1, 0, 0)
	b.Values.Set(0.5, 0, 0)
	b.Bootstrap = []float32{2}
	buf := mustBuffer(t, b)
	if err := buf.ComputeGAE(0.5, 1.0); err != nil {
		t.Fatalf("gae failed: %v", err)
	}
	closeAt(t, buf.Advantages().At(0, 0), 1.5, "advantage with bootstrap")
	closeAt(t, buf.Returns().At(0, 0), 2.0, "return with bootstrap")

	b2 := testBatch(1, 1)
	b2.Rewards.Set(1, 0, 0)
	b2.Values.Set(0.5, 0, 0)
	buf2 := mustBuffer(t, b2)
	if err := buf2.ComputeGAE(0.5, 1.0); err != nil {
		t.Fatalf("gae failed: %v", err)
	}
	closeAt(t, buf2.Advantages().At(0, 0), 0.5, "advantage without bootstrap")
}

func TestComputeGAEDoneCutsBootstrap(t *testing.T) {
	b := testBatch(2, 1)
	b.Rewards.Set(1, 1, 0)
	b.Values.Set(0.25, 1, 0)
	b.Dones.Set(1, 1, 0)
	b.Bootstrap = []float32{100}
	buf := mustBuffer(t, b)
	if err := buf.ComputeGAE(0.9, 0.9); err != nil {
		t.Fatalf("gae failed: %v", err)
	}
	closeAt(t, buf.Advantages().At(1, 0), 0.75, "terminal step ignores bootstrap")
}

func TestGAEEpisodeIndependence(t *testing.T) {
	ep1 := testBatch(3, 2)
	ep2 := testBatch(2, 2)
	for a := 0; a < 2; a++ {
		ep1.Dones.Set(1, 2, a)
		ep2.Dones.Set(1, 1, a)
		// Distinct values so the two episodes are not mirror images.
		ep2.Rewards.Set(float32(a)+0.75, 0, a)
	}

	merged := mustBuffer(t, ep1)
	if err := merged.Merge(mustBuffer(t, ep2)); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if merged.T != 5 || merged.TotalTransitions() != 10 {
		t.Fatalf("merged bounds wrong: T=%d total=%d", merged.T, merged.TotalTransitions())
	}
	if err := merged.ComputeGAE(0.9, 0.8); err != nil {
		t.Fatalf("merged gae failed: %v", err)
	}

	solo1 := mustBuffer(t, testBatch(3, 2))
	for a := 0; a < 2; a++ {
		solo1.Dones.Set(1, 2, a)
	}
	if err := solo1.ComputeGAE(0.9, 0.8); err != nil {
		t.Fatalf("solo gae failed: %v", err)
	}
	solo2 := mustBuffer(t, ep2)
	if err := solo2.ComputeGAE(0.9, 0.8); err != nil {
		t.Fatalf("solo gae failed: %v", err)
	}

	for a := 0; a < 2; a++ {
		for tt := 0; tt < 3; tt++ {
			closeAt(t, merged.Advantages().At(tt, a), solo1.Advantages().At(tt, a), "first episode advantage")
		}
		for tt := 0; tt < 2; tt++ {
			closeAt(t, merged.Advantages().At(3+tt, a), solo2.Advantages().At(tt, a), "second episode advantage")
		}
	}
}

func TestReturnsEqualAdvantagePlusValue(t *testing.T) {
	buf := mustBuffer(t, testBatch(6, 3))
	buf.Dones.Set(1, 3, 1)
	if err := buf.ComputeGAE(0.99, 0.95); err != nil {
		t.Fatalf("gae failed: %v", err)
	}
	for tt := 0; tt < buf.T; tt++ {
		for a := 0; a < buf.A; a++ {
			want := buf.Advantages().At(tt, a) + buf.Values.At(tt, a)
			closeAt(t, buf.Returns().At(tt, a), want, "return identity")
		}
	}
}

func TestMergePreservesOrderAndInvalidates(t *testing.T) {
	first := mustBuffer(t, testBatch(2, 2))
	if err := first.ComputeGAE(0.9, 0.9); err != nil {
		t.Fatalf("gae failed: %v", err)
	}
	if !first.GAEValid() {
		t.Fatal("gae should be valid after compute")
	}
	secondBatch := testBatch(3, 2)
	secondBatch.Obs["self_vecs"].Set(-7, 0, 0, 0)
	secondBatch.Bootstrap = []float32{1, 2}
	if err := first.Merge(mustBuffer(t, secondBatch)); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if first.GAEValid() {
		t.Fatal("merge should invalidate gae")
	}
	if first.T != 5 {
		t.Fatalf("merged T: got=%d want=5", first.T)
	}
	if got := first.Obs["self_vecs"].At(0, 0, 0); got != 0 {
		t.Fatalf("first block reordered: got=%v", got)
	}
	if got := first.Obs["self_vecs"].At(2, 0, 0); got != -7 {
		t.Fatalf("second block misplaced: got=%v", got)
	}
	if first.Bootstrap == nil || first.Bootstrap[1] != 2 {
		t.Fatalf("bootstrap should follow the new tail: %v", first.Bootstrap)
	}
}

func TestMergeShapeMismatch(t *testing.T) {
	buf := mustBuffer(t, testBatch(2, 2))
	bad := testBatch(2, 2)
	bad.Obs["self_vecs"] = tensor.New(2, 2, 5)
	err := buf.Merge(mustBuffer(t, bad))
	var serr *ShapeError
	if !errors.As(err, &serr) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
	if buf.T != 2 {
		t.Fatal("failed merge must leave the buffer untouched")
	}

	wrongA := mustBuffer(t, testBatch(2, 3))
	if err := buf.Merge(wrongA); !errors.As(err, &serr) {
		t.Fatalf("expected participant ShapeError, got %v", err)
	}
}

func TestSliceParticipantSharesStorage(t *testing.T) {
	buf := mustBuffer(t, testBatch(4, 3))
	if err := buf.ComputeGAE(0.9, 0.9); err != nil {
		t.Fatalf("gae failed: %v", err)
	}
	view, err := buf.SliceParticipant(1)
	if err != nil {
		t.Fatalf("slice failed: %v", err)
	}
	if view.T != 4 || view.Rewards.Rank() != 1 || view.Rewards.Dim(0) != 4 {
		t.Fatalf("unexpected view geometry: T=%d shape=%v", view.T, view.Rewards.Shape())
	}
	view.Rewards.Set(42, 2)
	if buf.Rewards.At(2, 1) != 42 {
		t.Fatal("participant view should share storage")
	}
	if view.Advantages == nil {
		t.Fatal("view should expose advantages after ComputeGAE")
	}
	if got, want := view.Obs["self_vecs"].At(3, 0), float32(301); got != want {
		t.Fatalf("view obs mismatch: got=%v want=%v", got, want)
	}
	if _, err := buf.SliceParticipant(3); err == nil {
		t.Fatal("out-of-range participant should fail")
	}
}

func TestParticipantMeanReward(t *testing.T) {
	b := testBatch(4, 2)
	for tt := 0; tt < 4; tt++ {
		b.Rewards.Set(float32(tt), tt, 0)
		b.Rewards.Set(1, tt, 1)
	}
	buf := mustBuffer(t, b)
	got, err := buf.ParticipantMeanReward(0)
	if err != nil {
		t.Fatalf("mean failed: %v", err)
	}
	if math.Abs(got-1.5) > 1e-9 {
		t.Fatalf("participant 0 mean: got=%v want=1.5", got)
	}
	if math.Abs(buf.MeanReward()-1.25) > 1e-6 {
		t.Fatalf("overall mean: got=%v want=1.25", buf.MeanReward())
	}
}
