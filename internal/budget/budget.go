// Package budget derives per-agent token ceilings from the active model's
// context window.
package budget

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// DefaultFloor 是任何预算的最低 token 数。
const DefaultFloor = 1000

// AgentKind 标识消耗上下文的组件。
type AgentKind string

const (
	KindRouter     AgentKind = "router"
	KindFastPath   AgentKind = "fast_path"
	KindPlanner    AgentKind = "planner"
	KindStep       AgentKind = "step"
	KindValidator  AgentKind = "validator"
	KindSummarizer AgentKind = "summarizer"
	KindSynthesis  AgentKind = "synthesis"
)

// Kinds 返回所有已知的组件类型。
func Kinds() []AgentKind {
	return []AgentKind{KindRouter, KindFastPath, KindPlanner, KindStep, KindValidator, KindSummarizer, KindSynthesis}
}

// Valid 判断组件类型是否已知。
func (k AgentKind) Valid() bool {
	for _, kind := range Kinds() {
		if kind == k {
			return true
		}
	}
	return false
}

// Fractions 记录每类组件可使用的窗口比例。
type Fractions map[AgentKind]float64

// DefaultFractions 返回默认比例。
func DefaultFractions() Fractions {
	return Fractions{
		KindRouter:     0.20,
		KindFastPath:   0.35,
		KindPlanner:    0.50,
		KindStep:       0.60,
		KindValidator:  0.40,
		KindSummarizer: 0.50,
		KindSynthesis:  0.85,
	}
}

// Validate 检查比例取值与组件类型。
func (f Fractions) Validate() error {
	keys := make([]string, 0, len(f))
	for kind := range f {
		keys = append(keys, string(kind))
	}
	sort.Strings(keys)
	for _, key := range keys {
		kind := AgentKind(key)
		if !kind.Valid() {
			return fmt.Errorf("未知的组件类型 %q", kind)
		}
		if v := f[kind]; !(v > 0 && v <= 1) {
			return fmt.Errorf("组件 %s 的比例 %.3f 不在 (0,1] 范围内", kind, v)
		}
	}
	return nil
}

// ComputeLimit 计算 clamp(round(window*fraction), floor, window)。
//
// 当 window 小于 floor 时以 window 为准，上限永远不超过窗口。
func ComputeLimit(window int, fraction float64) int {
	return computeLimit(window, fraction, DefaultFloor)
}

func computeLimit(window int, fraction float64, floor int) int {
	if window <= 0 {
		return 0
	}
	raw := int(math.Round(float64(window) * fraction))
	if raw < floor {
		raw = floor
	}
	if raw > window {
		raw = window
	}
	return raw
}

// ContextBudget 是某类组件在当前窗口下的预算。
type ContextBudget struct {
	Kind     AgentKind
	Fraction float64
	Floor    int
	Window   int
}

// Limit 返回派生出的 token 上限。
func (b ContextBudget) Limit() int {
	floor := b.Floor
	if floor <= 0 {
		floor = DefaultFloor
	}
	return computeLimit(b.Window, b.Fraction, floor)
}

// Table 保存各组件的预算，窗口变化时统一重算。可并发读取。
type Table struct {
	mu        sync.RWMutex
	fractions Fractions
	floor     int
	window    int
}

// NewTable 创建预算表，未配置的组件使用默认比例。
func NewTable(window int, fractions Fractions, floor int) (*Table, error) {
	if window <= 0 {
		return nil, fmt.Errorf("上下文窗口必须为正数: %d", window)
	}
	merged := DefaultFractions()
	for kind, value := range fractions {
		merged[kind] = value
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	if floor <= 0 {
		floor = DefaultFloor
	}
	return &Table{fractions: merged, floor: floor, window: window}, nil
}

// SetWindow 在活动模型变化时更新窗口大小。
func (t *Table) SetWindow(window int) error {
	if window <= 0 {
		return fmt.Errorf("上下文窗口必须为正数: %d", window)
	}
	t.mu.Lock()
	t.window = window
	t.mu.Unlock()
	return nil
}

// Window 返回当前窗口大小。
func (t *Table) Window() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.window
}

// Budget 返回某类组件的预算快照。
func (t *Table) Budget(kind AgentKind) ContextBudget {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return ContextBudget{Kind: kind, Fraction: t.fractions[kind], Floor: t.floor, Window: t.window}
}

// Limit 返回某类组件的 token 上限。
func (t *Table) Limit(kind AgentKind) int {
	return t.Budget(kind).Limit()
}

// Snapshot 返回全部组件的预算，按组件顺序排列。
func (t *Table) Snapshot() []ContextBudget {
	kinds := Kinds()
	out := make([]ContextBudget, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, t.Budget(kind))
	}
	return out
}
