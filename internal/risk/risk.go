// Package risk implements the Risk Classifier: a small collaborator of
// the Stream Adaptor that scores an incoming user prompt for
// file-mutation intent and optionally rewrites it into an instructional
// form before it reaches the upstream.
package risk

import (
	"fmt"
	"strings"
)

// filePatterns are file-creation verb phrases, weighted 1 per match.
// Mixed English/Chinese on purpose — the prompts this classifier sees
// come from clients in either language.
var filePatterns = []string{
	"create a file", "write a file", "save as a file", "generate a script",
	"make a file", "save to a file", "write it to disk",
	"创建文件", "写入文件", "生成文件", "保存为文件", "写一个文件",
}

// keywords are weaker, 0.5-weighted signals that co-occur with file
// mutation but aren't themselves an instruction to write one.
var keywords = []string{
	"filesystem", "directory", "write to disk", "save to disk", "overwrite",
	"文件系统", "目录", "写入磁盘", "覆盖",
}

// Score counts pattern and keyword matches in message (case-insensitive,
// substring), weights patterns at 1 and keywords at 0.5, and normalizes
// by the total match count. A message with no matches scores 0.
func Score(message string) float64 {
	lower := strings.ToLower(message)

	patternCount := 0
	for _, p := range filePatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			patternCount++
		}
	}

	keywordCount := 0
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			keywordCount++
		}
	}

	total := patternCount + keywordCount
	if total == 0 {
		return 0
	}

	weighted := float64(patternCount) + float64(keywordCount)*0.5
	score := weighted / float64(total)
	if score > 1.0 {
		score = 1.0
	}
	return score
}

const highRiskWrapper = `Please do not create, write, or modify any files. Instead, respond with illustrative examples only.

Original request: %s`

const moderateRiskAdvisory = "\n\n(Note: if this requires creating or modifying files, please confirm before proceeding.)"

// Transform rewrites message according to its risk score: high scores are
// wrapped in an examples-only instruction, moderate scores get an
// advisory appended, and low scores pass through unchanged.
func Transform(message string, score float64) string {
	switch {
	case score > 0.7:
		return wrap(message)
	case score > 0.4:
		return message + moderateRiskAdvisory
	default:
		return message
	}
}

func wrap(message string) string {
	return fmt.Sprintf(highRiskWrapper, message)
}
