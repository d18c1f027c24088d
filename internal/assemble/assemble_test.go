package assemble

import (
	"math/rand"
	"testing"
	"time"

	"github.com/tiroq/memoscribe/internal/schedule"
	"github.com/tiroq/memoscribe/testutil"
)

func results(texts ...string) []schedule.ChunkResult {
	out := make([]schedule.ChunkResult, len(texts))
	for i, t := range texts {
		out[i] = schedule.ChunkResult{Index: i, Text: t, Duration: time.Second}
	}
	return out
}

func TestAssemble_JoinsInIndexOrder(t *testing.T) {
	got := Assemble(results("good morning", "everyone", "let us begin"))
	if got != "good morning everyone let us begin" {
		t.Errorf("got %q", got)
	}
}

func TestAssemble_OrderStableUnderPermutation(t *testing.T) {
	base := results("alpha", "bravo", "", "delta echo", "foxtrot", "golf")
	want := Assemble(base)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		perm := append([]schedule.ChunkResult(nil), base...)
		rng.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
		if got := Assemble(perm); got != want {
			t.Fatalf("permutation %d: got %q, want %q", i, got, want)
		}
	}
	if want != "alpha bravo  delta echo foxtrot golf" {
		t.Errorf("unexpected join %q", want)
	}
}

func TestAssemble_AllEmptyIsFailureMessage(t *testing.T) {
	logs := testutil.NewLogCapture()
	a := Assembler{Logger: logs.Logger()}
	if got := a.Assemble(results("", "  ", "")); got != FailureMessage {
		t.Errorf("got %q", got)
	}
	if got := Assemble(nil); got != FailureMessage {
		t.Errorf("nil results: got %q", got)
	}
	if !logs.Contains("transcript is empty") {
		t.Errorf("expected failure to be logged:\n%s", logs.String())
	}
}

func TestAssemble_RepairsJoinedText(t *testing.T) {
	opts := RepairOptions{MinPhraseLength: 3, RepeatThreshold: 3}
	a := Assembler{Repair: &opts}
	got := a.Assemble(results("the cat sat the cat sat", "the cat sat the dog ran"))
	if got != "the cat sat the dog ran" {
		t.Errorf("got %q", got)
	}
}

func TestJoin_SparseIndexes(t *testing.T) {
	got := Join([]schedule.ChunkResult{{Index: 4, Text: "end"}, {Index: 0, Text: " start "}})
	if got != "start    end" {
		t.Errorf("got %q", got)
	}
}

func TestJoin_EmptyMiddleChunkKeepsSeparator(t *testing.T) {
	got := Join(results("first part", "", "third part"))
	if got != "first part  third part" {
		t.Errorf("got %q", got)
	}
	if got := Assemble(results("", "only speech")); got != " only speech" {
		t.Errorf("leading empty chunk: got %q", got)
	}
}

func TestRepair(t *testing.T) {
	cases := []struct {
		name string
		in   string
		opts RepairOptions
		want string
	}{
		{
			name: "phrase collapsed",
			in:   "the cat sat the cat sat the cat sat the dog ran",
			opts: RepairOptions{MinPhraseLength: 3, RepeatThreshold: 3},
			want: "the cat sat the dog ran",
		},
		{
			name: "phrase below threshold kept",
			in:   "the cat sat the cat sat the dog ran far away",
			opts: RepairOptions{MinPhraseLength: 3, RepeatThreshold: 3},
			want: "the cat sat the cat sat the dog ran far away",
		},
		{
			name: "default phrase length",
			in:   "thank you very much everyone thank you very much everyone thank you very much everyone goodbye",
			opts: DefaultRepairOptions(),
			want: "thank you very much everyone goodbye",
		},
		{
			name: "word cut to two",
			in:   "so so so so we begin the meeting now today",
			opts: DefaultRepairOptions(),
			want: "so so we begin the meeting now today",
		},
		{
			name: "double word kept",
			in:   "that that is what we discussed in the last meeting",
			opts: DefaultRepairOptions(),
			want: "that that is what we discussed in the last meeting",
		},
		{
			name: "sweep keeps word boundary",
			in:   "hello there a b c a b c a b c and then more words",
			opts: DefaultRepairOptions(),
			want: "hello there a b c and then more words",
		},
		{
			name: "sweep replaces every occurrence of the run",
			in:   "a b c a b c a b c mid a b c a b c a b c end",
			opts: DefaultRepairOptions(),
			want: "a b c mid a b c end",
		},
		{
			name: "sweep needs whitespace after the last copy",
			in:   "one two three four x y z x y z x y z",
			opts: DefaultRepairOptions(),
			want: "one two three four x y z x y z x y z",
		},
		{
			name: "short text untouched",
			in:   "no no no no",
			opts: DefaultRepairOptions(),
			want: "no no no no",
		},
		{
			name: "empty",
			in:   "",
			opts: DefaultRepairOptions(),
			want: "",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Repair(c.in, c.opts); got != c.want {
				t.Errorf("Repair(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func TestRepair_PhraseAndWordPassesIdempotent(t *testing.T) {
	inputs := []struct {
		in   string
		opts RepairOptions
	}{
		{"the cat sat the cat sat the cat sat the dog ran", RepairOptions{MinPhraseLength: 3, RepeatThreshold: 3}},
		{"so so so so we begin the meeting now today", DefaultRepairOptions()},
	}
	for _, c := range inputs {
		once := Repair(c.in, c.opts)
		if twice := Repair(once, c.opts); twice != once {
			t.Errorf("Repair not stable for %q: %q then %q", c.in, once, twice)
		}
	}
}

func TestRepair_ZeroOptionsDoNotHang(t *testing.T) {
	done := make(chan string, 1)
	go func() { done <- Repair("a a a a b c d e f g", RepairOptions{}) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Repair did not return with zero options")
	}
}
