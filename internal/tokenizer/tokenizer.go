// Package tokenizer counts tokens with the encoding of the active model family.
package tokenizer

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"TaskPilot/pkg/logger"
)

const (
	// FallbackEncoding 是模型未知时使用的默认编码。
	FallbackEncoding = "cl100k_base"
	// HeuristicEncoding 表示按字符估算。
	HeuristicEncoding = "heuristic"
	// MessageOverhead 是每条消息的角色与分隔符开销。
	MessageOverhead = 4

	charsPerToken = 4
)

// Counter 统计文本的 token 数，可被多个请求并发使用。
type Counter struct {
	enc      *tiktoken.Tiktoken
	encoding string
	degraded bool
}

// Count 返回文本的 token 数。
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c == nil || c.enc == nil {
		return heuristicCount(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Message 返回单条消息内容加上固定开销后的 token 数。
func (c *Counter) Message(content string) int {
	return c.Count(content) + MessageOverhead
}

// Encoding 返回实际使用的编码名称。
func (c *Counter) Encoding() string {
	if c == nil || c.encoding == "" {
		return HeuristicEncoding
	}
	return c.encoding
}

// Degraded 表示计数没有使用目标模型的编码。
func (c *Counter) Degraded() bool {
	return c == nil || c.degraded
}

// heuristicCount 按 4 个 ASCII 字符一个 token 估算，非 ASCII 字符（如中文）各计一个 token。
func heuristicCount(text string) int {
	ascii, wide := 0, 0
	for _, r := range text {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			wide++
		}
	}
	return (ascii+charsPerToken-1)/charsPerToken + wide
}

// Heuristic 返回按字符估算的计数器，不依赖任何编码文件。
func Heuristic() *Counter {
	return &Counter{encoding: HeuristicEncoding, degraded: true}
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Counter{}

	// 编码加载与日志入口，测试中可替换为离线实现。
	encodingForModel = tiktoken.EncodingForModel
	getEncoding      = tiktoken.GetEncoding
	tokenizerLogger  = func() *slog.Logger { return logger.Named("tokenizer") }
)

// ForModel 返回与模型匹配的计数器。
//
// 查找顺序：模型专属编码、cl100k_base、字符估算；后两者会以 WARN 记录一次精度降级。
func ForModel(model string) *Counter {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if counter, ok := cache[model]; ok {
		return counter
	}

	counter := resolve(model, tokenizerLogger())
	cache[model] = counter
	return counter
}

func resolve(model string, log *slog.Logger) *Counter {
	enc, err := encodingForModel(model)
	if err == nil {
		return &Counter{enc: enc, encoding: encodingName(model)}
	}

	fallback, fbErr := getEncoding(FallbackEncoding)
	if fbErr == nil {
		log.Warn("未找到模型对应的编码，token 统计精度下降",
			slog.String("model", model),
			slog.String("encoding", FallbackEncoding),
			slog.Any("error", err))
		return &Counter{enc: fallback, encoding: FallbackEncoding, degraded: true}
	}

	log.Warn("无法加载任何 BPE 编码，改用字符估算",
		slog.String("model", model),
		slog.Any("error", fbErr))
	return Heuristic()
}

func encodingName(model string) string {
	if name, ok := tiktoken.MODEL_TO_ENCODING[model]; ok {
		return name
	}
	for prefix, name := range tiktoken.MODEL_PREFIX_TO_ENCODING {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return name
		}
	}
	return FallbackEncoding
}
