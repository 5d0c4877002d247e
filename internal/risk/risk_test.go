package risk

import (
	"strings"
	"testing"
)

// S6 — risk classifier.
func TestScoreHighRiskChineseFileCreationPrompt(t *testing.T) {
	score := Score("请创建文件 foo.py 并写入代码")
	if score < 0.7 {
		t.Fatalf("score = %v, want >= 0.7", score)
	}

	transformed := Transform("请创建文件 foo.py 并写入代码", score)
	if !strings.Contains(transformed, "do not create, write, or modify any files") {
		t.Errorf("expected high-risk wrapper, got: %s", transformed)
	}
}

func TestScoreUnrelatedPromptIsZero(t *testing.T) {
	score := Score("explain big-O")
	if score != 0 {
		t.Fatalf("score = %v, want 0", score)
	}

	transformed := Transform("explain big-O", score)
	if transformed != "explain big-O" {
		t.Errorf("expected message unchanged, got: %s", transformed)
	}
}

func TestScoreModerateRiskAppendsAdvisory(t *testing.T) {
	// A single weak keyword match with no pattern match: weighted=0.5,
	// total=1, score=0.5 — lands in the (0.4, 0.7] advisory band.
	score := Score("tell me about the filesystem")
	if score <= 0.4 || score > 0.7 {
		t.Fatalf("score = %v, want in (0.4, 0.7]", score)
	}

	transformed := Transform("tell me about the filesystem", score)
	if !strings.HasPrefix(transformed, "tell me about the filesystem") || !strings.Contains(transformed, "confirm before proceeding") {
		t.Errorf("expected advisory appended, got: %s", transformed)
	}
}

func TestScoreCapsAtOne(t *testing.T) {
	score := Score("create a file, write a file, make a file, save to a file")
	if score > 1.0 {
		t.Fatalf("score = %v, must never exceed 1.0", score)
	}
}

func TestTransformUnchangedBelowThreshold(t *testing.T) {
	if got := Transform("hello there", 0.1); got != "hello there" {
		t.Errorf("Transform at low score should be a no-op, got %q", got)
	}
}
