// Package assemble joins per-chunk texts into the final transcript and
// repairs the repetition loops recognizers tend to produce.
package assemble

import (
	"io"
	"log/slog"
	"strings"

	"github.com/tiroq/memoscribe/internal/schedule"
)

// FailureMessage replaces a transcript that came out empty.
const FailureMessage = "Speech recognition failed. Check the file format and audio quality."

// Assembler carries the repair settings and logger. The zero value uses
// DefaultRepairOptions and logs nowhere.
type Assembler struct {
	Logger *slog.Logger
	Repair *RepairOptions
}

// Assemble runs Assembler.Assemble with defaults.
func Assemble(results []schedule.ChunkResult) string {
	var a Assembler
	return a.Assemble(results)
}

// Assemble places results by Index, joins the non-empty texts with single
// spaces, applies one repetition repair and substitutes FailureMessage when
// nothing is left. The output does not depend on the order of results.
func (a *Assembler) Assemble(results []schedule.ChunkResult) string {
	log := a.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := DefaultRepairOptions()
	if a.Repair != nil {
		opts = *a.Repair
	}

	joined := Join(results)
	log.Info("chunks joined", "chars", len(joined), "words", len(strings.Fields(joined)))

	out := repair(joined, opts, log)
	if out != joined {
		log.Info("repetition repaired", "chars", len(out), "words", len(strings.Fields(out)))
	}
	if strings.TrimSpace(out) == "" {
		log.Error("every chunk failed, transcript is empty")
		return FailureMessage
	}
	return out
}

// Join places results into slots by Index and joins every slot with a
// single space. An empty slot still contributes its separator.
func Join(results []schedule.ChunkResult) string {
	size := len(results)
	for _, r := range results {
		size = max(size, r.Index+1)
	}
	slots := make([]string, size)
	for _, r := range results {
		if r.Index >= 0 {
			slots[r.Index] = strings.TrimSpace(r.Text)
		}
	}
	return strings.Join(slots, " ")
}
