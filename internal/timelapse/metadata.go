package timelapse

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// MetadataFile is the per-session metadata file name.
const MetadataFile = ".metadata"

// FinalizeState tracks a session after capture stops.
type FinalizeState string

const (
	StateRunning    FinalizeState = "running"
	StateFinalizing FinalizeState = "finalizing"
	StateFinalized  FinalizeState = "finalized"
	StateUploaded   FinalizeState = "uploaded"
	StateFailed     FinalizeState = "failed"
)

// Metadata is persisted next to the frames of a session.
type Metadata struct {
	Name            string        `json:"name"`
	JobFilename     string        `json:"jobFilename,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	FinishedAt      time.Time     `json:"finishedAt,omitempty"`
	FrameCount      int           `json:"frameCount"`
	Video           string        `json:"video,omitempty"`
	State           FinalizeState `json:"state"`
	UploadedVideoID string        `json:"uploadedVideoId,omitempty"`
	LastError       string        `json:"lastError,omitempty"`
}

func readMetadata(dir string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return Metadata{Name: filepath.Base(dir)}, nil
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{Name: filepath.Base(dir)}, err
	}
	return m, nil
}

func writeMetadata(dir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, MetadataFile), data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
