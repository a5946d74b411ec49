package router

import (
	"fmt"
	"strings"
	"unicode"
)

var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "thanks": true, "thank": true,
	"thx": true, "morning": true, "bye": true, "ok": true, "okay": true,
}

var lookupPrefixes = []string{
	"what is", "what's", "whats", "who is", "when is", "where is", "how many",
	"show", "list", "status of", "get", "find", "define",
}

// pipelineStems 按单词前缀匹配，例如 analy 命中 analyze 与 analysis。
var pipelineStems = []string{
	"plan", "compare", "comparison", "analy", "report", "roadmap", "research",
	"investigat", "evaluat", "summariz", "breakdown",
}

var pipelinePhrases = []string{"step by step", "step-by-step", "pros and cons", "in depth", "in-depth"}

var sequenceMarkers = []string{" then ", "after that", "afterwards", "finally", " next,", "first,"}

// Classify 用启发式规则给出快速结论；ok 为 false 表示请求模糊，需要进一步判断。
func Classify(query string, cfg Config) (Mode, string, bool) {
	text := strings.ToLower(strings.TrimSpace(query))
	if text == "" {
		return ModeFastPath, "empty request", true
	}
	words := tokenize(text)
	questions := strings.Count(text, "?")

	if cfg.PipelineMinWords > 0 && len(words) > cfg.PipelineMinWords {
		return ModeFullPipeline, fmt.Sprintf("long request (%d words)", len(words)), true
	}
	for _, phrase := range pipelinePhrases {
		if strings.Contains(text, phrase) {
			return ModeFullPipeline, fmt.Sprintf("pipeline phrase %q", phrase), true
		}
	}
	for _, word := range words {
		for _, stem := range pipelineStems {
			if strings.HasPrefix(word, stem) {
				return ModeFullPipeline, fmt.Sprintf("pipeline keyword %q", word), true
			}
		}
	}
	if questions > 1 {
		return ModeFullPipeline, fmt.Sprintf("%d questions in one request", questions), true
	}
	markers := 0
	padded := " " + text + " "
	for _, marker := range sequenceMarkers {
		markers += strings.Count(padded, marker)
	}
	if markers >= 2 {
		return ModeFullPipeline, "several sequential instructions", true
	}

	if len(words) <= 6 && len(words) > 0 && greetings[words[0]] {
		return ModeFastPath, "greeting", true
	}
	if cfg.FastMaxWords > 0 && len(words) <= cfg.FastMaxWords {
		for _, prefix := range lookupPrefixes {
			if strings.HasPrefix(text, prefix+" ") || text == prefix {
				return ModeFastPath, fmt.Sprintf("short lookup (%s)", prefix), true
			}
		}
	}
	return "", "", false
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
