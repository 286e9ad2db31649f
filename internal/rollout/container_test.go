package rollout

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"dodeka/internal/model"
	"dodeka/internal/tensor"
)

func testDims(participants int) model.Dims {
	return model.Dims{
		Participants: participants,
		SelfDim:      3,
		AllyCount:    2,
		AllyDim:      2,
		EnemyCount:   2,
		EnemyDim:     2,
		GlobalDim:    2,
		GridChannels: 1,
		GridHeight:   2,
		GridWidth:    2,
		HiddenDim:    4,
	}
}

func testSpace() model.ActionSpace {
	return model.ActionSpace{
		Discrete: []model.HeadSpec{
			{Name: "alpha", Size: 3},
			{Name: "beta", Size: 2},
		},
		Continuous: []model.ContinuousSpec{
			{Name: "move", Dim: 2},
		},
	}
}

func testDecoder(t *testing.T, participants int) *Decoder {
	t.Helper()
	d, err := NewDecoder(DecoderConfig{Dims: testDims(participants), Space: testSpace()})
	if err != nil {
		t.Fatalf("new decoder failed: %v", err)
	}
	return d
}

// fixtureBatch fills every canonical tensor with a deterministic pattern.
func fixtureBatch(tLen int, dims model.Dims, space model.ActionSpace) *Batch {
	b := newEmptyBatch(tLen, dims, space)
	seed := float32(0.125)
	for _, d := range []*tensor.Dense{
		b.Obs[KeySelf], b.Obs[KeyAlly], b.Obs[KeyEnemy], b.Obs[KeyGlobal], b.Obs[KeyGrid],
		b.HiddenH, b.HiddenC, b.LogProbs, b.Values, b.Rewards,
	} {
		raw := d.Float32s()
		for i := range raw {
			raw[i] = seed
			seed += 0.25
		}
	}
	for t := 0; t < tLen; t++ {
		for a := 0; a < b.A; a++ {
			if (t+a)%3 == 0 {
				b.Dones.Set(1, t, a)
			}
			for _, h := range space.Discrete {
				b.Actions[h.Name].Set(float32((t+a)%h.Size), t, a)
				for c := 0; c < h.Size; c++ {
					if (t+a+c)%2 == 0 {
						b.Masks[h.Name].Set(1, t, a, c)
					}
				}
			}
			for _, h := range space.Continuous {
				for c := 0; c < h.Dim; c++ {
					b.Actions[h.Name].Set(float32(t)*0.5-float32(a+c)*0.25, t, a, c)
				}
			}
		}
	}
	return b
}

func sameBatch(t *testing.T, got, want *Batch) {
	t.Helper()
	if got.T != want.T || got.A != want.A {
		t.Fatalf("bounds mismatch: got=(%d,%d) want=(%d,%d)", got.T, got.A, want.T, want.A)
	}
	for name, d := range want.Obs {
		if !tensor.Equal(got.Obs[name], d) {
			t.Fatalf("obs %q differs", name)
		}
	}
	for name, d := range want.Masks {
		if !tensor.Equal(got.Masks[name], d) {
			t.Fatalf("mask %q differs", name)
		}
	}
	for name, d := range want.Actions {
		if !tensor.Equal(got.Actions[name], d) {
			t.Fatalf("action %q differs", name)
		}
	}
	pairs := []struct {
		name string
		a, b *tensor.Dense
	}{
		{"hx_h", got.HiddenH, want.HiddenH},
		{"hx_c", got.HiddenC, want.HiddenC},
		{"log_probs", got.LogProbs, want.LogProbs},
		{"values", got.Values, want.Values},
		{"rewards", got.Rewards, want.Rewards},
		{"dones", got.Dones, want.Dones},
	}
	for _, p := range pairs {
		if !tensor.Equal(p.a, p.b) {
			t.Fatalf("%s differs", p.name)
		}
	}
}

func TestContainerRoundTrip(t *testing.T) {
	dims := testDims(2)
	space := testSpace()
	dec := testDecoder(t, 2)
	want := fixtureBatch(4, dims, space)
	want.Bootstrap = []float32{0.5, -0.25}

	var buf bytes.Buffer
	if err := dec.EncodeBatch(&buf, want); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	first := append([]byte(nil), buf.Bytes()...)

	got, err := dec.Decode(bytes.NewReader(first), "mem")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	sameBatch(t, got, want)
	if len(got.Bootstrap) != 2 || got.Bootstrap[0] != 0.5 || got.Bootstrap[1] != -0.25 {
		t.Fatalf("bootstrap differs: %v", got.Bootstrap)
	}

	var second bytes.Buffer
	if err := dec.EncodeBatch(&second, got); err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}
	if !bytes.Equal(first, second.Bytes()) {
		t.Fatal("re-encoded container is not byte-identical")
	}
}

func TestContainerTrailingPaddingIgnored(t *testing.T) {
	dims := testDims(2)
	dec := testDecoder(t, 2)
	var buf bytes.Buffer
	if err := dec.EncodeBatch(&buf, fixtureBatch(3, dims, testSpace())); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	buf.Write(make([]byte, 64))
	if _, err := dec.Decode(bytes.NewReader(buf.Bytes()), "mem"); err != nil {
		t.Fatalf("decode with padded tail failed: %v", err)
	}
}

func TestContainerUnknownDType(t *testing.T) {
	var buf bytes.Buffer
	err := WriteContainer(&buf, []Entry{{Name: "x", DType: DType(9), Shape: []int64{1}, Raw: []byte{0}}})
	if err == nil {
		t.Fatal("writer accepted unknown dtype")
	}

	// Hand-assemble an entry with dtype code 9.
	buf.Reset()
	buf.Write(magicContainer[:])
	writeU32(&buf, 1)
	writeName(&buf, "x")
	writeU8(&buf, 9)
	writeU32(&buf, 1)
	writeI64(&buf, 1)
	writeI64(&buf, 4)
	buf.Write([]byte{0, 0, 0, 0})

	dec := testDecoder(t, 2)
	_, err = dec.Decode(bytes.NewReader(buf.Bytes()), "mem")
	var ferr *FormatError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestContainerShapeMismatch(t *testing.T) {
	dims := testDims(2)
	dec := testDecoder(t, 2)
	b := fixtureBatch(3, dims, testSpace())
	entries, err := entriesFromBatch(b, dims, testSpace())
	if err != nil {
		t.Fatalf("entries failed: %v", err)
	}
	for i := range entries {
		if entries[i].Name == keyValues {
			entries[i].Shape[1] = 5
			entries[i].Raw = make([]byte, 3*5*4)
		}
	}
	var buf bytes.Buffer
	if err := WriteContainer(&buf, entries); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_, err = dec.Decode(bytes.NewReader(buf.Bytes()), "mem")
	var ferr *FormatError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestUnknownMagic(t *testing.T) {
	dec := testDecoder(t, 2)
	_, err := dec.Decode(bytes.NewReader([]byte{'N', 'O', 'P', 'E', 0, 0}), "mem")
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestWriteContainerFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.ddkt")
	entries := []Entry{{Name: "w", DType: F32, Shape: []int64{2}, Raw: []byte{0, 0, 128, 63, 0, 0, 0, 64}}}
	if err := WriteContainerFile(path, entries); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary file left behind")
	}
	got, err := ReadContainerFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if len(got) != 1 || got[0].Name != "w" || !bytes.Equal(got[0].Raw, entries[0].Raw) {
		t.Fatalf("unexpected read back: %+v", got)
	}
}
