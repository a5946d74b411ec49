package compress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"TaskPilot/internal/llm"
	"TaskPilot/internal/summarycache"
	"TaskPilot/internal/tokenizer"
	"TaskPilot/pkg/logger"
)

// maxParallelSummaries 限制同时进行的分块摘要数量。
const maxParallelSummaries = 4

// Summarizer 把一段消息压缩为简短摘要。
type Summarizer interface {
	Summarize(ctx context.Context, chunk []llm.Message) (string, error)
}

const summarizerPrompt = "Summarize the following conversation fragment in a few sentences. " +
	"Keep facts, numbers, names, decisions and errors. Do not add anything new."

// LLMSummarizer 通过轻量模型调用生成摘要，并按内容哈希缓存。
type LLMSummarizer struct {
	client     llm.Client
	cache      summarycache.Cache
	counter    *tokenizer.Counter
	group      singleflight.Group
	inputLimit func() int
	maxTokens  int
	timeout    time.Duration
	logger     *slog.Logger
}

// SummarizerOption 自定义摘要器。
type SummarizerOption func(*LLMSummarizer)

// WithSummaryCache 指定共享的摘要缓存。
func WithSummaryCache(cache summarycache.Cache) SummarizerOption {
	return func(s *LLMSummarizer) {
		if cache != nil {
			s.cache = cache
		}
	}
}

// WithSummaryMaxTokens 限制单个摘要的输出长度。
func WithSummaryMaxTokens(tokens int) SummarizerOption {
	return func(s *LLMSummarizer) {
		if tokens > 0 {
			s.maxTokens = tokens
		}
	}
}

// WithSummaryTimeout 设置单次摘要调用的超时。
func WithSummaryTimeout(timeout time.Duration) SummarizerOption {
	return func(s *LLMSummarizer) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithSummaryInputLimit 设置摘要模型可接收的输入 token 上限。
func WithSummaryInputLimit(limit func() int) SummarizerOption {
	return func(s *LLMSummarizer) {
		if limit != nil {
			s.inputLimit = limit
		}
	}
}

// NewLLMSummarizer 创建基于模型的摘要器。
func NewLLMSummarizer(client llm.Client, counter *tokenizer.Counter, opts ...SummarizerOption) *LLMSummarizer {
	s := &LLMSummarizer{
		client:     client,
		cache:      summarycache.NewMemory(),
		counter:    counter,
		inputLimit: func() int { return 4000 },
		maxTokens:  256,
		timeout:    30 * time.Second,
		logger:     logger.Named("summarizer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize 实现 Summarizer。相同内容的并发请求只触发一次模型调用。
//
// 共享的模型调用不继承任何单个请求的取消，只受摘要超时约束；每个等待者只响应自己的 ctx。
func (s *LLMSummarizer) Summarize(ctx context.Context, chunk []llm.Message) (string, error) {
	text := render(chunk)
	key := summarycache.Key(text)

	if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		return cached, nil
	} else if err != nil {
		s.logger.Warn("读取摘要缓存失败", slog.Any("error", err))
	}

	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		if cached, ok, err := s.cache.Get(shared, key); err == nil && ok {
			return cached, nil
		}
		summary, err := s.generate(shared, text)
		if err != nil {
			return "", err
		}
		if err := s.cache.Put(shared, key, summary); err != nil {
			s.logger.Warn("写入摘要缓存失败", slog.Any("error", err))
		}
		return summary, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *LLMSummarizer) generate(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	limit := s.inputLimit() - s.counter.Message(summarizerPrompt) - tokenizer.MessageOverhead - s.maxTokens
	text = trimContent(s.counter, text, limit)

	resp, err := s.client.Generate(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Kind: llm.KindControl, Content: summarizerPrompt},
			{Role: llm.RoleUser, Kind: llm.KindQuery, Content: text},
		},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("生成摘要失败: %w", err)
	}
	summary := strings.TrimSpace(resp.Text)
	if summary == "" {
		return "", fmt.Errorf("摘要模型返回空内容")
	}
	return summary, nil
}

// summarizeChunks 并发摘要各分块，结果顺序与分块一致。
func summarizeChunks(ctx context.Context, summarizer Summarizer, chunks [][]llm.Message) ([]string, error) {
	summaries := make([]string, len(chunks))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallelSummaries)
	for idx, chunk := range chunks {
		idx, chunk := idx, chunk
		group.Go(func() error {
			summary, err := summarizer.Summarize(gctx, chunk)
			if err != nil {
				return err
			}
			summaries[idx] = summary
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func chunkMessages(msgs []llm.Message, indexes []int, size int) [][]llm.Message {
	if size <= 0 {
		size = 8
	}
	var chunks [][]llm.Message
	for start := 0; start < len(indexes); start += size {
		end := start + size
		if end > len(indexes) {
			end = len(indexes)
		}
		chunk := make([]llm.Message, 0, end-start)
		for _, idx := range indexes[start:end] {
			chunk = append(chunk, msgs[idx])
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}
