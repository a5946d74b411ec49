package tokenizer

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicCount(t *testing.T) {
	counter := Heuristic()
	assert.Equal(t, 0, counter.Count(""))
	assert.Equal(t, 1, counter.Count("abc"))
	assert.Equal(t, 1, counter.Count("abcd"))
	assert.Equal(t, 2, counter.Count("abcde"))
	assert.Equal(t, 2, counter.Count("你好"), "one token per non-ASCII rune")
	assert.Equal(t, 4, counter.Count("ok 你好吗"))
	assert.Equal(t, 25+MessageOverhead, counter.Message(strings.Repeat("x", 100)))
	assert.True(t, counter.Degraded())
	assert.Equal(t, HeuristicEncoding, counter.Encoding())
}

func TestNilCounterFallsBackToHeuristic(t *testing.T) {
	var counter *Counter
	assert.Equal(t, 3, counter.Count("0123456789"))
	assert.True(t, counter.Degraded())
}

func TestHeuristicMonotonic(t *testing.T) {
	counter := Heuristic()
	prev := 0
	for i := 0; i < 64; i++ {
		got := counter.Count(strings.Repeat("a", i))
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestHeuristicCountsCJKPerRune(t *testing.T) {
	counter := Heuristic()
	text := strings.Repeat("上下文窗口", 20)
	assert.Equal(t, 100, counter.Count(text))
}

// offlineEncodings 替换编码加载与日志，返回记录的 WARN 日志缓冲区与被请求的编码名。
func offlineEncodings(t *testing.T, fallback func(string) (*tiktoken.Tiktoken, error)) (*bytes.Buffer, *[]string) {
	t.Helper()
	prevModel, prevGet, prevLogger := encodingForModel, getEncoding, tokenizerLogger
	cacheMu.Lock()
	prevCache := cache
	cache = map[string]*Counter{}
	cacheMu.Unlock()
	t.Cleanup(func() {
		encodingForModel, getEncoding, tokenizerLogger = prevModel, prevGet, prevLogger
		cacheMu.Lock()
		cache = prevCache
		cacheMu.Unlock()
	})

	var buf bytes.Buffer
	var requested []string
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tokenizerLogger = func() *slog.Logger { return log }
	encodingForModel = func(model string) (*tiktoken.Tiktoken, error) {
		return nil, errors.New("no encoding for model " + model)
	}
	getEncoding = func(name string) (*tiktoken.Tiktoken, error) {
		requested = append(requested, name)
		return fallback(name)
	}
	return &buf, &requested
}

func warnCount(buf *bytes.Buffer) int {
	return strings.Count(buf.String(), `"level":"WARN"`)
}

func TestForModelFallsBackToHeuristicWhenNoEncodingLoads(t *testing.T) {
	buf, requested := offlineEncodings(t, func(string) (*tiktoken.Tiktoken, error) {
		return nil, errors.New("offline")
	})

	counter := ForModel("acme-large-1")
	require.NotNil(t, counter)
	assert.True(t, counter.Degraded())
	assert.Equal(t, HeuristicEncoding, counter.Encoding())
	assert.Equal(t, []string{FallbackEncoding}, *requested)
	assert.Equal(t, 3, counter.Count("0123456789"))

	again := ForModel("acme-large-1")
	assert.Same(t, counter, again)
	assert.Equal(t, 1, warnCount(buf), "degradation is logged once per model")
	assert.Equal(t, []string{FallbackEncoding}, *requested)
}

func TestForModelUsesFallbackEncodingForUnknownModel(t *testing.T) {
	buf, requested := offlineEncodings(t, func(string) (*tiktoken.Tiktoken, error) {
		return nil, nil
	})

	counter := ForModel("acme-small-2")
	assert.True(t, counter.Degraded())
	assert.Equal(t, FallbackEncoding, counter.Encoding())
	assert.Equal(t, []string{FallbackEncoding}, *requested)

	ForModel("acme-small-2")
	ForModel("acme-small-3")
	assert.Equal(t, 2, warnCount(buf), "one warning per distinct model")
	assert.Contains(t, buf.String(), `"model":"acme-small-2"`)
}
