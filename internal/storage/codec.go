package storage

import (
	"encoding/json"
	"errors"

	"dodeka/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeTrainingRun(r model.TrainingRun) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeTrainingRun(data []byte) (model.TrainingRun, error) {
	var run model.TrainingRun
	if err := json.Unmarshal(data, &run); err != nil {
		return model.TrainingRun{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.TrainingRun{}, err
	}
	return run, nil
}

func EncodeCycleDiagnostics(d model.CycleDiagnostics) ([]byte, error) {
	return json.Marshal(d)
}

func DecodeCycleDiagnostics(data []byte) (model.CycleDiagnostics, error) {
	var diag model.CycleDiagnostics
	if err := json.Unmarshal(data, &diag); err != nil {
		return model.CycleDiagnostics{}, err
	}
	if err := checkVersion(diag.VersionedRecord); err != nil {
		return model.CycleDiagnostics{}, err
	}
	return diag, nil
}

func EncodeCheckpointMeta(m model.CheckpointMeta) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeCheckpointMeta(data []byte) (model.CheckpointMeta, error) {
	var meta model.CheckpointMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return model.CheckpointMeta{}, err
	}
	if err := checkVersion(meta.VersionedRecord); err != nil {
		return model.CheckpointMeta{}, err
	}
	return meta, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
