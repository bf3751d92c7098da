package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SpoolArtifact is the on-disk fallback for a run record when InfluxDB
// is unreachable. Spooled runs can be inspected or replayed later.
type SpoolArtifact struct {
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	RunID     int    `json:"run_id"`
	Interface string `json:"interface"`

	ProfileContent string `json:"profile_content"`

	Record *RunRecord `json:"record"`
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("NETSTEER_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// BuildSpoolArtifact wraps a run record for spooling.
func BuildSpoolArtifact(record *RunRecord, profileContent string) *SpoolArtifact {
	artifact := &SpoolArtifact{
		Version:        1,
		CreatedAt:      time.Now(),
		ProfileContent: profileContent,
		Record:         record,
	}
	if record != nil {
		artifact.RunID = record.RunID
		artifact.Interface = record.Interface
	}
	return artifact
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, artifact *SpoolArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("spool artifact is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	iface := artifact.Interface
	if iface == "" {
		iface = "noiface"
	}
	name := fmt.Sprintf(
		"run_%d_%s_%s.json.gz",
		artifact.RunID,
		artifact.CreatedAt.UTC().Format("20060102T150405Z"),
		iface,
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}
