// Package events carries orchestration progress toward UIs, logs and brokers.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Type 是事件类型。
type Type string

const (
	TypeRouteDecided  Type = "route_decided"
	TypePlanCreated   Type = "plan_created"
	TypeStepStarted   Type = "step_started"
	TypeStepCompleted Type = "step_completed"
	TypeReplan        Type = "replan"
	TypeEscalation    Type = "escalation"
	TypeFinalAnswer   Type = "final_answer"
	TypeTerminalError Type = "terminal_error"
)

// Terminal 判断事件是否结束请求。
func (t Type) Terminal() bool {
	return t == TypeFinalAnswer || t == TypeTerminalError
}

// Event 是一条有序的进度事件，携带足够的元数据供外部渲染进度。
type Event struct {
	RequestID  string         `json:"request_id"`
	Seq        int64          `json:"seq"`
	Type       Type           `json:"type"`
	StepIndex  int            `json:"step_index"`
	TotalSteps int            `json:"total_steps"`
	Message    string         `json:"message,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sink 接收事件。
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// SinkFunc 把函数适配为 Sink。
type SinkFunc func(ctx context.Context, event Event) error

// Publish 实现 Sink。
func (f SinkFunc) Publish(ctx context.Context, event Event) error { return f(ctx, event) }

// Discard 丢弃所有事件。
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Fanout 把事件发送给多个 Sink，单个失败不影响其它。
type Fanout struct {
	sinks []Sink
}

// NewFanout 创建扇出 Sink，忽略 nil。
func NewFanout(sinks ...Sink) *Fanout {
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return &Fanout{sinks: filtered}
}

// Publish 实现 Sink。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emitter 为单个请求编号并发送事件，并保证终止事件只发送一次。
type Emitter struct {
	requestID string
	sink      Sink
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	seq        int64
	terminated bool
	terminal   *Event
}

// NewEmitter 创建请求级事件发送器。
func NewEmitter(requestID string, sink Sink, log *slog.Logger) *Emitter {
	if sink == nil {
		sink = Discard
	}
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{requestID: requestID, sink: sink, logger: log, now: time.Now}
}

// RequestID 返回请求 ID。
func (e *Emitter) RequestID() string { return e.requestID }

// Emit 发送一条事件。终止后的任何事件都会被丢弃并返回 false。
//
// 终止事件使用不可取消的 context 发送，请求超时后依然能送达。nil Emitter 丢弃所有事件。
func (e *Emitter) Emit(ctx context.Context, typ Type, step, total int, message string, payload map[string]any) bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return false
	}
	e.seq++
	event := Event{
		RequestID:  e.requestID,
		Seq:        e.seq,
		Type:       typ,
		StepIndex:  step,
		TotalSteps: total,
		Message:    message,
		Payload:    payload,
		Timestamp:  e.now().UTC(),
	}
	if typ.Terminal() {
		e.terminated = true
		e.terminal = &event
		ctx = context.WithoutCancel(ctx)
	}
	// 持锁发送以保证同一请求的事件顺序。
	defer e.mu.Unlock()

	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.Warn("发送进度事件失败",
			slog.String("request_id", e.requestID),
			slog.String("type", string(typ)),
			slog.Any("error", err))
	}
	return true
}

// Terminated 判断请求是否已经发出终止事件。
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// TerminalEvent 返回已发出的终止事件。
func (e *Emitter) TerminalEvent() (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal == nil {
		return Event{}, false
	}
	return *e.terminal, true
}
