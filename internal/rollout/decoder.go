package rollout

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"dodeka/internal/model"
)

// DecoderConfig fixes the geometry a decoder validates payloads against.
type DecoderConfig struct {
	Dims  model.Dims
	Space model.ActionSpace
	Log   logrus.FieldLogger
}

// Decoder turns rollout files of either wire format into batches. Decoding
// failures are split between transient I/O errors and *FormatError values
// that mark a file as permanently unusable.
type Decoder struct {
	dims  model.Dims
	space model.ActionSpace
	log   logrus.FieldLogger
}

func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	if err := validateDims(cfg.Dims); err != nil {
		return nil, err
	}
	if len(cfg.Space.Discrete) == 0 && len(cfg.Space.Continuous) == 0 {
		return nil, fmt.Errorf("action space is required")
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger()
	}
	return &Decoder{dims: cfg.Dims, space: cfg.Space, log: log}, nil
}

func validateDims(dims model.Dims) error {
	checks := []struct {
		name  string
		value int
	}{
		{"participants", dims.Participants},
		{"self dim", dims.SelfDim},
		{"ally count", dims.AllyCount},
		{"ally dim", dims.AllyDim},
		{"enemy count", dims.EnemyCount},
		{"enemy dim", dims.EnemyDim},
		{"global dim", dims.GlobalDim},
		{"grid channels", dims.GridChannels},
		{"grid height", dims.GridHeight},
		{"grid width", dims.GridWidth},
		{"hidden dim", dims.HiddenDim},
	}
	for _, c := range checks {
		if c.value <= 0 {
			return fmt.Errorf("%s must be positive", c.name)
		}
	}
	return nil
}

func nopLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// Decode sniffs the magic and dispatches to the matching format reader. The
// path is used only for error reporting.
func (d *Decoder) Decode(r io.Reader, path string) (*Batch, error) {
	cr := &countingReader{r: r}
	var magic [4]byte
	if _, err := io.ReadFull(cr, magic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	switch magic {
	case magicContainer:
		entries, err := ReadContainer(cr, path)
		if err != nil {
			return nil, err
		}
		b, unknown, err := batchFromEntries(entries, d.dims, d.space, path)
		if err != nil {
			return nil, err
		}
		if len(unknown) > 0 {
			d.log.WithFields(map[string]any{"path": path, "names": unknown}).Debug("ignoring unknown container entries")
		}
		return b, nil
	case magicStream:
		return d.readStream(cr, path)
	default:
		return nil, fmt.Errorf("%w: % x", ErrUnknownFormat, magic[:])
	}
}

// DecodeFile decodes one rollout file from disk.
func (d *Decoder) DecodeFile(path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return d.Decode(f, path)
}

// EncodeBatch serializes a batch as a tagged container. Aux state from the
// stream format is not carried over.
func (d *Decoder) EncodeBatch(w io.Writer, b *Batch) error {
	entries, err := entriesFromBatch(b, d.dims, d.space)
	if err != nil {
		return err
	}
	return WriteContainer(w, entries)
}

// EncodeBatchFile writes a batch as a tagged container through a temporary
// file renamed into place.
func (d *Decoder) EncodeBatchFile(path string, b *Batch) error {
	entries, err := entriesFromBatch(b, d.dims, d.space)
	if err != nil {
		return err
	}
	return WriteContainerFile(path, entries)
}
