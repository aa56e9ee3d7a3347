// Package replayverify re-simulates recorded replay bundles and reports
// whether the engine still produces the same change sets.
package replayverify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"campfire/engine/internal/logging"
	"campfire/engine/internal/replay"
)

// Result is the document rendered for one verified bundle.
type Result struct {
	Directory string        `json:"directory"`
	RunID     string        `json:"run_id,omitempty"`
	CreatedAt string        `json:"created_at,omitempty"`
	Inputs    int           `json:"input_ticks"`
	OK        bool          `json:"ok"`
	Report    replay.Report `json:"report"`
}

// Check loads the bundle at path and re-simulates it.
func Check(ctx context.Context, path string, logger *logging.Logger) (Result, error) {
	bundle, err := replay.Load(path)
	if err != nil {
		return Result{}, err
	}
	report, err := replay.Verify(ctx, bundle, logger)
	if err != nil {
		return Result{}, fmt.Errorf("verify %s: %w", bundle.Directory, err)
	}
	return Result{
		Directory: bundle.Directory,
		RunID:     bundle.Header.RunID,
		CreatedAt: bundle.Manifest.CreatedAt,
		Inputs:    len(bundle.Inputs),
		OK:        report.OK(),
		Report:    report,
	}, nil
}

// Render writes the result as indented JSON so callers can pipe it elsewhere.
func Render(w io.Writer, result Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
