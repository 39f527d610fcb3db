package transcode

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"tunerhub/models"
)

// sidecar is the durable state file written next to the HLS output. It is
// what survives a restart; the in-memory jobs table is rebuilt from it.
type sidecar struct {
	State       models.TranscodeState `json:"state"`
	StartTime   time.Time             `json:"start_time"`
	EndTime     *time.Time            `json:"end_time,omitempty"`
	SourceURL   string                `json:"source_url"`
	ShowName    string                `json:"show_name,omitempty"`
	EpisodeName string                `json:"episode_name,omitempty"`
	AirDate     string                `json:"air_date,omitempty"`
	Error       string                `json:"error,omitempty"`
	StderrTail  []string              `json:"stderr_tail,omitempty"`
}

// sidecarForLocked snapshots a job into its sidecar form. Caller holds the
// engine mutex.
func sidecarForLocked(j *job) sidecar {
	side := sidecar{
		State:       j.State,
		StartTime:   j.StartTime,
		SourceURL:   j.SourceURL,
		ShowName:    j.meta.ShowName,
		EpisodeName: j.meta.EpisodeName,
		AirDate:     j.meta.AirDate,
	}
	if !j.EndTime.IsZero() {
		end := j.EndTime
		side.EndTime = &end
	}
	if j.State == models.TranscodeError {
		side.Error = j.Error
		side.StderrTail = j.stderrTail
	}
	return side
}

// writeSidecar replaces a directory's sidecar atomically so a crash never
// leaves a half-written state file behind.
func (e *Engine) writeSidecar(dir string, side sidecar) error {
	data, err := json.MarshalIndent(side, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	tmp := filepath.Join(dir, sidecarName+".tmp")
	if err := afero.WriteFile(e.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := e.fs.Rename(tmp, filepath.Join(dir, sidecarName)); err != nil {
		return fmt.Errorf("replace sidecar: %w", err)
	}
	return nil
}

func (e *Engine) readSidecar(dir string) (sidecar, error) {
	var side sidecar
	data, err := afero.ReadFile(e.fs, filepath.Join(dir, sidecarName))
	if err != nil {
		return side, err
	}
	if err := json.Unmarshal(data, &side); err != nil {
		return side, fmt.Errorf("decode sidecar: %w", err)
	}
	return side, nil
}
