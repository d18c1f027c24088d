package assemble

import (
	"io"
	"log/slog"
	"slices"
	"strings"
	"unicode"
)

// RepairOptions tunes repetition repair.
type RepairOptions struct {
	// MinPhraseLength is the shortest phrase, in words, the phrase pass
	// looks for. Texts shorter than twice this are left alone.
	MinPhraseLength int
	// RepeatThreshold is how many consecutive copies trigger a collapse.
	RepeatThreshold int
}

// DefaultRepairOptions returns MinPhraseLength 5, RepeatThreshold 3.
func DefaultRepairOptions() RepairOptions {
	return RepairOptions{MinPhraseLength: 5, RepeatThreshold: 3}
}

const (
	maxPhraseLength = 20
	wordRepeatMin   = 3
	sweepMinWords   = 3
	sweepMaxWords   = 6
	sweepMinCopies  = 3
)

// Repair removes one class of repetition from text. The passes run in order
// and the first one that changes the text wins, except the sweep, which may
// rewrite several places:
//
//  1. phrase: the first phrase of MinPhraseLength or more words repeated at
//     least RepeatThreshold times in a row is collapsed to one copy;
//  2. word: the first word repeated three or more times in a row is cut to
//     two copies;
//  3. sweep: every run of three or more copies of a 3-6 word phrase is
//     replaced by a single copy.
//
// The result is not a fixed point; calling Repair again may change it further.
func Repair(text string, opts RepairOptions) string {
	return repair(text, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func repair(text string, opts RepairOptions, log *slog.Logger) string {
	if text == "" {
		return text
	}
	opts.MinPhraseLength = max(opts.MinPhraseLength, 1)
	opts.RepeatThreshold = max(opts.RepeatThreshold, 2)
	words := strings.Fields(text)
	if len(words) < opts.MinPhraseLength*2 {
		return text
	}

	if out, ok := collapsePhrase(words, opts); ok {
		log.Warn("repeated phrase collapsed", "pass", "phrase")
		return out
	}
	if out, ok := collapseWord(words); ok {
		log.Warn("repeated word collapsed", "pass", "word")
		return out
	}
	trailingSpace := unicode.IsSpace(rune(text[len(text)-1]))
	if out, ok := sweep(words, trailingSpace); ok {
		log.Warn("repeated short phrases collapsed", "pass", "sweep")
		return out
	}
	return text
}

// equalRun reports whether words[a:a+n] equals words[b:b+n].
func equalRun(words []string, a, b, n int) bool {
	for i := 0; i < n; i++ {
		if words[a+i] != words[b+i] {
			return false
		}
	}
	return true
}

func collapsePhrase(words []string, opts RepairOptions) (string, bool) {
	n := len(words)
	upper := min(maxPhraseLength, n/2)
	for plen := opts.MinPhraseLength; plen < upper; plen++ {
		for start := 0; start < n-2*plen; start++ {
			count := 0
			for at := start; at <= n-plen && equalRun(words, start, at, plen); at += plen {
				count++
			}
			if count >= opts.RepeatThreshold {
				out := make([]string, 0, n-(count-1)*plen)
				out = append(out, words[:start+plen]...)
				out = append(out, words[start+count*plen:]...)
				return strings.Join(out, " "), true
			}
		}
	}
	return "", false
}

func collapseWord(words []string) (string, bool) {
	for i := 0; i < len(words)-1; i++ {
		if words[i] != words[i+1] {
			continue
		}
		j := i + 1
		for j < len(words) && words[j] == words[i] {
			j++
		}
		if j-i >= wordRepeatMin {
			out := make([]string, 0, len(words)-(j-i)+2)
			out = append(out, words[:i+2]...)
			out = append(out, words[j:]...)
			return strings.Join(out, " "), true
		}
	}
	return "", false
}

// sweepMatch is a run of copies of words[start:start+plen].
type sweepMatch struct {
	start, plen, copies int
}

// sweep finds, left to right and without overlap, every run of at least
// three copies of a 3-6 word phrase, preferring the shortest phrase at each
// position and the longest run for that phrase. A copy counts only if its
// last word is followed by whitespace. Each run found is then replaced by a
// single copy wherever the same run occurs.
func sweep(words []string, trailingSpace bool) (string, bool) {
	n := len(words)
	followed := func(i int) bool { return i < n-1 || trailingSpace }

	var matches []sweepMatch
	for pos := 0; pos < n; {
		m, ok := matchAt(words, pos, followed)
		if !ok {
			pos++
			continue
		}
		matches = append(matches, m)
		pos = m.start + m.plen*m.copies
	}
	if len(matches) == 0 {
		return "", false
	}

	cur := words
	for _, m := range matches {
		run := words[m.start : m.start+m.plen*m.copies]
		cur = replaceRun(cur, run, m.plen, trailingSpace)
	}
	return strings.Join(cur, " "), true
}

func matchAt(words []string, pos int, followed func(int) bool) (sweepMatch, bool) {
	n := len(words)
	for plen := sweepMinWords; plen <= sweepMaxWords; plen++ {
		if pos+plen > n || !followed(pos+plen-1) {
			return sweepMatch{}, false
		}
		copies := 1
		for at := pos + plen; at+plen <= n && followed(at+plen-1) && equalRun(words, pos, at, plen); at += plen {
			copies++
		}
		if copies >= sweepMinCopies {
			return sweepMatch{start: pos, plen: plen, copies: copies}, true
		}
	}
	return sweepMatch{}, false
}

// replaceRun substitutes the first plen words of run for every
// non-overlapping occurrence of run in words.
func replaceRun(words, run []string, plen int, trailingSpace bool) []string {
	n := len(words)
	out := make([]string, 0, n)
	for i := 0; i < n; {
		end := i + len(run)
		if end <= n && (end < n || trailingSpace) && slices.Equal(words[i:end], run) {
			out = append(out, run[:plen]...)
			i = end
			continue
		}
		out = append(out, words[i])
		i++
	}
	return out
}
