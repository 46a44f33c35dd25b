package publish

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Step is one completed step of a run.
type Step struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration_ns"`
}

// Report is the outcome of one publish run, successful or not.
type Report struct {
	RunID          string    `json:"run_id"`
	Platform       string    `json:"platform"`
	Package        string    `json:"package,omitempty"`
	VersionName    string    `json:"version_name,omitempty"`
	ArtifactPath   string    `json:"artifact_path"`
	ArtifactSize   int64     `json:"artifact_size"`
	ArtifactDigest string    `json:"artifact_digest"`
	ArtifactLink   string    `json:"artifact_link,omitempty"`
	State          string    `json:"state,omitempty"`
	Steps          []Step    `json:"steps"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`

	AllowedAddRelease *bool `json:"allowed_add_release,omitempty"`
	ValidateStatus    int   `json:"validate_status,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorStep string `json:"error_step,omitempty"`
}

// Succeeded reports whether the run finished without error.
func (r *Report) Succeeded() bool { return r.Error == "" }

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes a human readable summary.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	status := "succeeded"
	if !r.Succeeded() {
		status = "FAILED"
	}
	fmt.Fprintf(&b, "%s publish %s (run %s)\n", r.Platform, status, r.RunID)
	if r.Package != "" {
		fmt.Fprintf(&b, "  Package:   %s %s\n", r.Package, r.VersionName)
	}
	fmt.Fprintf(&b, "  Artifact:  %s (%d bytes)\n", r.ArtifactPath, r.ArtifactSize)
	fmt.Fprintf(&b, "  Digest:    %s\n", r.ArtifactDigest)
	if r.ArtifactLink != "" {
		fmt.Fprintf(&b, "  Link:      %s\n", r.ArtifactLink)
	}
	if r.State != "" {
		fmt.Fprintf(&b, "  State:     %s\n", r.State)
	}
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "  - %-12s %s\n", s.Name, s.Duration.Round(time.Millisecond))
	}
	if r.ValidateStatus != 0 && (r.ValidateStatus < 200 || r.ValidateStatus >= 300) {
		fmt.Fprintf(&b, "  Warning:   validation returned status %d\n", r.ValidateStatus)
	}
	if !r.Succeeded() {
		fmt.Fprintf(&b, "  Error:     %s\n", r.Error)
	}
	fmt.Fprintf(&b, "  Elapsed:   %s\n", r.Duration().Round(time.Millisecond))
	_, err := io.WriteString(w, b.String())
	return err
}
