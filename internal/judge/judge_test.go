package judge

import (
	"testing"

	"github.com/arbiter-ai/arbiter/internal/model"
)

func sampleItem() model.Item {
	return model.Item{
		Type: "commit-summary",
		Content: "Fix race in flush loop: guard pending batch with the queue mutex. " +
			"Verified with -race over 200 runs; see https://example.com/ci/812 for the failing trace. " +
			"The bug appeared because flushInProgress was read outside the lock.",
		Sources:  []string{"https://example.com/ci/812"},
		Verified: true,
	}
}

func TestScoreDeterministic(t *testing.T) {
	j := New(Config{})
	item := sampleItem()

	a, err := j.Score(item, Context{})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	b, err := j.Score(item, Context{})
	if err != nil {
		t.Fatalf("score: %v", err)
	}

	if a.QScore != b.QScore || a.Verdict != b.Verdict || a.Confidence != b.Confidence {
		t.Fatalf("scoring not deterministic: %d/%s vs %d/%s", a.QScore, a.Verdict, b.QScore, b.Verdict)
	}
	for dim, score := range a.DimensionScores {
		if b.DimensionScores[dim] != score {
			t.Fatalf("dimension %s differs across runs: %v vs %v", dim, score, b.DimensionScores[dim])
		}
	}
	for axiom, score := range a.AxiomScores {
		if b.AxiomScores[axiom] != score {
			t.Fatalf("axiom %s differs across runs", axiom)
		}
	}
}

func TestScoreDimensionSetComplete(t *testing.T) {
	j := New(Config{})
	jm, err := j.Score(sampleItem(), Context{})
	if err != nil {
		t.Fatalf("score: %v", err)
	}

	defined := Dimensions()
	if len(jm.DimensionScores) != len(defined) {
		t.Fatalf("expected %d dimension scores, got %d", len(defined), len(jm.DimensionScores))
	}
	for _, name := range defined {
		score, ok := jm.DimensionScores[name]
		if !ok {
			t.Fatalf("missing dimension %s", name)
		}
		if score < 0 || score > 1 {
			t.Fatalf("dimension %s out of range: %v", name, score)
		}
	}
	if len(jm.AxiomScores) != 4 {
		t.Fatalf("expected 4 axiom scores, got %d", len(jm.AxiomScores))
	}
}

func TestConfidenceBounded(t *testing.T) {
	j := New(Config{})
	items := []model.Item{
		sampleItem(),
		{Type: "note", Content: "hello"},
		{Type: "claim", Content: "This ALWAYS works!!! Trust me, it NEVER fails!"},
	}
	for _, item := range items {
		jm, err := j.Score(item, Context{})
		if err != nil {
			t.Fatalf("score %q: %v", item.Type, err)
		}
		if jm.Confidence > DefaultMaxConfidence {
			t.Fatalf("confidence %v exceeds cap %v", jm.Confidence, DefaultMaxConfidence)
		}
		if jm.QScore < 0 || jm.QScore > 100 {
			t.Fatalf("qScore out of range: %d", jm.QScore)
		}
	}
}

func TestVerdictThresholds(t *testing.T) {
	j := New(Config{})
	cases := []struct {
		q    int
		want model.Verdict
	}{
		{0, model.VerdictReject},
		{37, model.VerdictReject},
		{38, model.VerdictConcern},
		{61, model.VerdictConcern},
		{62, model.VerdictAccept},
		{84, model.VerdictAccept},
		{85, model.VerdictStrongAccept},
		{100, model.VerdictStrongAccept},
	}
	for _, tc := range cases {
		if got := j.verdictFor(tc.q); got != tc.want {
			t.Errorf("verdictFor(%d) = %s, want %s", tc.q, got, tc.want)
		}
	}
}

func TestVerdictMonotone(t *testing.T) {
	j := New(Config{})
	prev := j.verdictFor(0)
	for q := 1; q <= 100; q++ {
		cur := j.verdictFor(q)
		if !model.VerdictAtLeast(cur, prev) {
			t.Fatalf("verdict regressed from %s to %s at qScore %d", prev, cur, q)
		}
		prev = cur
	}
}

func TestPinnedScoresHonored(t *testing.T) {
	j := New(Config{})
	item := sampleItem()
	item.Scores = map[string]float64{
		"citation-presence": 0.123,
		"verification":      7.0, // clamped
	}

	jm, err := j.Score(item, Context{})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if jm.DimensionScores["citation-presence"] != 0.123 {
		t.Errorf("pinned score not honored: got %v", jm.DimensionScores["citation-presence"])
	}
	if jm.DimensionScores["verification"] != 1.0 {
		t.Errorf("pinned score not clamped: got %v", jm.DimensionScores["verification"])
	}
}

func TestLearningModifiersShiftScores(t *testing.T) {
	j := New(Config{})
	item := sampleItem()

	base, err := j.Score(item, Context{})
	if err != nil {
		t.Fatalf("score: %v", err)
	}

	state := model.NewLearningState()
	for _, dim := range Dimensions() {
		state.WeightModifiers[dim] = -model.WeightModifierBound
	}
	lowered, err := j.Score(item, Context{LearningState: &state})
	if err != nil {
		t.Fatalf("score with state: %v", err)
	}

	if lowered.QScore >= base.QScore {
		t.Fatalf("negative modifiers should lower qScore: base=%d lowered=%d", base.QScore, lowered.QScore)
	}
}

func TestWeaknessesSortedAscending(t *testing.T) {
	j := New(Config{})
	jm, err := j.Score(model.Item{Type: "note", Content: "hello"}, Context{})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(jm.Weaknesses) == 0 {
		t.Fatal("a bare note should have weaknesses")
	}
	for i := 1; i < len(jm.Weaknesses); i++ {
		if jm.Weaknesses[i].Score < jm.Weaknesses[i-1].Score {
			t.Fatalf("weaknesses not sorted ascending at %d", i)
		}
	}
	for _, w := range jm.Weaknesses {
		if w.Deficit <= 0 {
			t.Fatalf("weakness %s has non-positive deficit %v", w.Dimension, w.Deficit)
		}
	}
}

func TestScoreRejectsInvalidItems(t *testing.T) {
	j := New(Config{})

	if _, err := j.Score(model.Item{Content: "no type"}, Context{}); err == nil {
		t.Fatal("expected error for missing type")
	}
	if _, err := j.Score(model.Item{Type: "note"}, Context{}); err == nil {
		t.Fatal("expected error for empty content")
	}
	_, err := j.Score(model.Item{Content: "x"}, Context{})
	if model.KindOf(err) != model.KindInvalidInput {
		t.Fatalf("expected invalid_input kind, got %v", model.KindOf(err))
	}
}

func TestKScorePriorNudgesComposite(t *testing.T) {
	j := New(Config{})
	item := sampleItem()

	base, _ := j.Score(item, Context{})
	low := 0.0
	withPrior, _ := j.Score(item, Context{KScore: &low})

	if withPrior.QScore >= base.QScore {
		t.Fatalf("zero prior should pull composite down: base=%d with=%d", base.QScore, withPrior.QScore)
	}
}
