package storage

import (
	"encoding/json"
	"errors"

	"casunet/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// CurrentVersion is the version stamp written on new records.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRun(r model.RunInfo) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunInfo, error) {
	var run model.RunInfo
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunInfo{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunInfo{}, err
	}
	return run, nil
}

func EncodeEvent(e model.Event) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEvent(data []byte) (model.Event, error) {
	var event model.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return model.Event{}, err
	}
	if err := checkVersion(event.VersionedRecord); err != nil {
		return model.Event{}, err
	}
	return event, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
