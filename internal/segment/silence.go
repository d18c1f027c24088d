package segment

import (
	"fmt"

	"github.com/tiroq/memoscribe/internal/audio"
)

type span struct{ start, end int64 }

// silenceSplit cuts buf at silent runs. Each non-silent region keeps up to
// KeepSilenceMs of the surrounding silence; regions longer than the cap are
// re-split at the cap. Audio that is silent throughout yields no chunks.
func silenceSplit(buf *audio.Buffer, cfg Config) ([]Chunk, error) {
	if cfg.MinSilenceLenMs < seekStepMs {
		return nil, fmt.Errorf("segment: min silence length %dms below seek step", cfg.MinSilenceLenMs)
	}
	total := buf.DurationMs()
	regions := padRegions(nonSilent(buf, cfg), cfg.KeepSilenceMs, total)

	var chunks []Chunk
	for _, r := range regions {
		if r.end-r.start > cfg.MaxChunkDurationMs {
			chunks = append(chunks, fixedSlices(buf, r.start, r.end, cfg.MaxChunkDurationMs)...)
			continue
		}
		chunks = append(chunks, Chunk{Audio: buf.Slice(r.start, r.end), StartMs: r.start, EndMs: r.end})
	}
	return chunks, nil
}

// nonSilent returns the regions between silent runs, in milliseconds. A
// silent run is any stretch where a MinSilenceLenMs window measured every
// seekStepMs stays below the threshold.
func nonSilent(buf *audio.Buffer, cfg Config) []span {
	total := buf.DurationMs()
	power := buf.FramePower(seekStepMs)
	window := int(cfg.MinSilenceLenMs / seekStepMs)
	if len(power) < window {
		return []span{{0, total}}
	}

	prefix := make([]float64, len(power)+1)
	for i, p := range power {
		prefix[i+1] = prefix[i] + p
	}

	var silent []span
	prev := -2
	for i := 0; i+window <= len(power); i++ {
		mean := (prefix[i+window] - prefix[i]) / float64(window)
		if audio.PowerToDBFS(mean) >= cfg.SilenceThresholdDBFS {
			continue
		}
		startMs := int64(i * seekStepMs)
		endMs := min(int64((i+window)*seekStepMs), total)
		if i == prev+1 && len(silent) > 0 {
			silent[len(silent)-1].end = endMs
		} else {
			silent = append(silent, span{startMs, endMs})
		}
		prev = i
	}

	if len(silent) == 0 {
		return []span{{0, total}}
	}
	var out []span
	cursor := int64(0)
	for _, s := range silent {
		if s.start > cursor {
			out = append(out, span{cursor, s.start})
		}
		cursor = s.end
	}
	if cursor < total {
		out = append(out, span{cursor, total})
	}
	return out
}

// padRegions widens each region by keep ms on both sides. Where padding makes
// neighbours overlap, both are cut at the midpoint of the overlap.
func padRegions(regions []span, keep, total int64) []span {
	out := make([]span, len(regions))
	for i, r := range regions {
		out[i] = span{r.start - keep, r.end + keep}
	}
	for i := 0; i+1 < len(out); i++ {
		if out[i].end > out[i+1].start {
			mid := (out[i].end + out[i+1].start) / 2
			out[i].end = mid
			out[i+1].start = mid
		}
	}
	for i := range out {
		out[i].start = max(out[i].start, 0)
		out[i].end = min(out[i].end, total)
	}
	return out
}
