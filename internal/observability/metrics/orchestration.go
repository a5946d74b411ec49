package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type counterVec struct {
	name   string
	help   string
	labels []string
	values map[string]uint64
}

func newCounterVec(name, help string, labels ...string) *counterVec {
	return &counterVec{name: name, help: help, labels: labels, values: make(map[string]uint64)}
}

func (c *counterVec) add(delta uint64, values ...string) {
	c.values[strings.Join(values, "\xff")] += delta
}

func (c *counterVec) render(builder *strings.Builder) {
	fmt.Fprintf(builder, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
	keys := make([]string, 0, len(c.values))
	for key := range c.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if len(c.labels) == 0 {
			fmt.Fprintf(builder, "%s %d\n", c.name, c.values[key])
			continue
		}
		values := strings.Split(key, "\xff")
		pairs := make([]string, 0, len(c.labels))
		for idx, label := range c.labels {
			value := ""
			if idx < len(values) {
				value = values[idx]
			}
			pairs = append(pairs, fmt.Sprintf("%s=\"%s\"", label, escape(value)))
		}
		fmt.Fprintf(builder, "%s{%s} %d\n", c.name, strings.Join(pairs, ","), c.values[key])
	}
}

type orchestrationCollector struct {
	mu           sync.Mutex
	routes       *counterVec
	escalations  *counterVec
	replans      *counterVec
	outcomes     *counterVec
	compressions *counterVec
	duration     map[string]*histogram
}

func newOrchestrationCollector() *orchestrationCollector {
	return &orchestrationCollector{
		routes:       newCounterVec("taskpilot_routes_total", "Routing decisions by mode and source.", "mode", "source"),
		escalations:  newCounterVec("taskpilot_escalations_total", "Fast path escalations by reason.", "reason"),
		replans:      newCounterVec("taskpilot_replans_total", "Replanning cycles across all requests."),
		outcomes:     newCounterVec("taskpilot_requests_total", "Finished requests by outcome code.", "code"),
		compressions: newCounterVec("taskpilot_compressions_total", "Compression passes that changed the input, by agent kind, strategy and feasibility.", "agent_kind", "strategy", "infeasible"),
		duration:     make(map[string]*histogram),
	}
}

var orchestration = newOrchestrationCollector()

// Orchestration 把编排统计写入进程级指标，满足 agent.Observer。
type Orchestration struct{}

// ObserveRoute 记录一次路由结论。
func (Orchestration) ObserveRoute(mode, source string) {
	orchestration.mu.Lock()
	defer orchestration.mu.Unlock()
	orchestration.routes.add(1, mode, source)
}

// ObserveEscalation 记录一次快速路径升级。
func (Orchestration) ObserveEscalation(reason string) {
	orchestration.mu.Lock()
	defer orchestration.mu.Unlock()
	orchestration.escalations.add(1, reason)
}

// ObserveReplans 累加重规划次数。
func (Orchestration) ObserveReplans(count int) {
	if count <= 0 {
		return
	}
	orchestration.mu.Lock()
	defer orchestration.mu.Unlock()
	orchestration.replans.add(uint64(count))
}

// ObserveOutcome 记录请求结果，code 为空表示成功。
func (Orchestration) ObserveOutcome(code string, duration time.Duration) {
	if code == "" {
		code = "OK"
	}
	orchestration.mu.Lock()
	defer orchestration.mu.Unlock()
	orchestration.outcomes.add(1, code)
	hist := orchestration.duration[code]
	if hist == nil {
		hist = newHistogramWith([]float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300})
		orchestration.duration[code] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveCompression 记录一次实际发生的压缩。
func ObserveCompression(agentKind, strategy string, infeasible bool) {
	orchestration.mu.Lock()
	defer orchestration.mu.Unlock()
	orchestration.compressions.add(1, agentKind, strategy, fmt.Sprintf("%t", infeasible))
}

func (c *orchestrationCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)
	for _, vec := range []*counterVec{c.routes, c.escalations, c.replans, c.outcomes, c.compressions} {
		vec.render(&builder)
	}

	codes := make([]string, 0, len(c.duration))
	for code := range c.duration {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	builder.WriteString("# HELP taskpilot_request_duration_seconds End-to-end request duration in seconds.\n")
	builder.WriteString("# TYPE taskpilot_request_duration_seconds histogram\n")
	for _, code := range codes {
		hist := c.duration[code]
		for idx, bound := range hist.buckets {
			fmt.Fprintf(&builder, "taskpilot_request_duration_seconds_bucket{code=\"%s\",le=\"%s\"} %d\n", escape(code), formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&builder, "taskpilot_request_duration_seconds_bucket{code=\"%s\",le=\"+Inf\"} %d\n", escape(code), hist.count)
		fmt.Fprintf(&builder, "taskpilot_request_duration_seconds_sum{code=\"%s\"} %s\n", escape(code), formatFloat(hist.sum))
		fmt.Fprintf(&builder, "taskpilot_request_duration_seconds_count{code=\"%s\"} %d\n", escape(code), hist.count)
	}
	return builder.String()
}
