// Package knowledge provides the project data consulted by DOMAIN_QUERY steps
// and the project_query tool.
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Provider 定义项目数据检索的通用接口。
type Provider interface {
	Query(query string) []Record
}

// Record 描述一条项目管理数据，例如迭代、任务、风险或里程碑。
type Record struct {
	ID       string            `json:"id" yaml:"id"`
	Type     string            `json:"type" yaml:"type"`
	Title    string            `json:"title" yaml:"title"`
	Content  string            `json:"content" yaml:"content"`
	Status   string            `json:"status,omitempty" yaml:"status,omitempty"`
	Keywords []string          `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Fields   map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// StaticProvider 基于内存中的记录做关键词检索。
type StaticProvider struct {
	records    []Record
	maxResults int
}

// NewStaticProvider 创建静态数据源实例。
func NewStaticProvider(records []Record, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &StaticProvider{
		records:    records,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载记录。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("项目数据文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析项目数据路径失败: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取项目数据文件失败: %w", err)
	}

	var records []Record
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &records)
	default:
		err = json.Unmarshal(data, &records)
	}
	if err != nil {
		return nil, fmt.Errorf("解析项目数据文件失败: %w", err)
	}

	return NewStaticProvider(records, maxResults), nil
}

// Query 按命中的查询词数量排序返回记录。
func (p *StaticProvider) Query(query string) []Record {
	if p == nil {
		return nil
	}
	terms := terms(query)
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		record Record
		score  int
		order  int
	}
	var hits []scored
	for idx, record := range p.records {
		if score := match(record, terms); score > 0 {
			hits = append(hits, scored{record: record, score: score, order: idx})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].order < hits[j].order
	})

	if len(hits) > p.maxResults {
		hits = hits[:p.maxResults]
	}
	results := make([]Record, 0, len(hits))
	for _, hit := range hits {
		results = append(results, hit.record)
	}
	return results
}

// Len 返回记录数量。
func (p *StaticProvider) Len() int {
	if p == nil {
		return 0
	}
	return len(p.records)
}

func match(record Record, terms []string) int {
	haystack := strings.ToLower(strings.Join([]string{record.ID, record.Type, record.Title, record.Content, record.Status}, " "))
	keywords := make(map[string]bool, len(record.Keywords))
	for _, keyword := range record.Keywords {
		keywords[strings.ToLower(strings.TrimSpace(keyword))] = true
	}

	score := 0
	for _, term := range terms {
		switch {
		case keywords[term]:
			score += 2
		case strings.Contains(haystack, term):
			score++
		}
	}
	return score
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "is": true, "are": true, "what": true,
	"and": true, "or": true, "to": true, "in": true, "on": true, "for": true, "me": true,
	"show": true, "list": true, "about": true, "with": true, "our": true, "my": true,
}

func terms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, field := range fields {
		if len(field) < 2 || stopWords[field] || seen[field] {
			continue
		}
		seen[field] = true
		out = append(out, field)
	}
	return out
}

var _ Provider = (*StaticProvider)(nil)
