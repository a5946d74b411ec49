package events

import (
	"context"
	"log/slog"
	"sync"
)

// Recorder 在内存中按请求保存事件，供 API 查询。
type Recorder struct {
	mu       sync.RWMutex
	events   map[string][]Event
	order    []string
	capacity int
}

// NewRecorder 创建记录器，最多保留 capacity 个请求的事件。
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Recorder{events: make(map[string][]Event), capacity: capacity}
}

// Publish 实现 Sink。
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[event.RequestID]; !ok {
		r.track(event.RequestID)
	}
	r.events[event.RequestID] = append(r.events[event.RequestID], clone(event))
	return nil
}

// Reserve 为新请求占用 ID。ID 已被占用（执行中或仍保留着事件）时返回 false。
func (r *Recorder) Reserve(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[requestID]; ok {
		return false
	}
	r.track(requestID)
	r.events[requestID] = []Event{}
	return true
}

func (r *Recorder) track(requestID string) {
	r.order = append(r.order, requestID)
	if len(r.order) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.events, oldest)
	}
}

// Events 返回请求的事件快照。
func (r *Recorder) Events(requestID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.events[requestID]
	out := make([]Event, len(src))
	for idx, event := range src {
		out[idx] = clone(event)
	}
	return out
}

func clone(in Event) Event {
	out := in
	if in.Payload != nil {
		out.Payload = make(map[string]any, len(in.Payload))
		for k, v := range in.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// LogSink 把事件写入结构化日志。
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink 创建日志 Sink。
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{logger: log}
}

// Publish 实现 Sink。
func (s *LogSink) Publish(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	if event.Type == TypeTerminalError {
		level = slog.LevelError
	}
	s.logger.LogAttrs(ctx, level, "orchestration event",
		slog.String("request_id", event.RequestID),
		slog.Int64("seq", event.Seq),
		slog.String("type", string(event.Type)),
		slog.Int("step_index", event.StepIndex),
		slog.Int("total_steps", event.TotalSteps),
		slog.String("message", event.Message))
	return nil
}
