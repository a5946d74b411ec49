package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/knowledge"
	"TaskPilot/internal/llm"
)

// ProjectQuery 查询项目管理数据。
type ProjectQuery struct {
	provider knowledge.Provider
}

// NewProjectQuery 基于数据源创建工具。
func NewProjectQuery(provider knowledge.Provider) *ProjectQuery {
	return &ProjectQuery{provider: provider}
}

// Schema 实现 Tool。
func (p *ProjectQuery) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        NameProjectQuery,
		Description: "Look up project management records (sprints, tasks, risks, milestones) matching a query.",
		Parameters:  querySchema("keywords describing the records to look up"),
	}
}

// Invoke 实现 Tool。
func (p *ProjectQuery) Invoke(_ context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(NameProjectQuery, raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", xerrors.New(xerrors.CodeFormat, "project_query 需要 query 参数")
	}
	if p.provider == nil {
		return "", fmt.Errorf("未配置项目数据源")
	}

	records := p.provider.Query(args.Query)
	if len(records) == 0 {
		return "No project records matched: " + args.Query, nil
	}
	var builder strings.Builder
	for idx, record := range records {
		fmt.Fprintf(&builder, "[%d] %s", idx+1, record.Title)
		if record.ID != "" {
			fmt.Fprintf(&builder, " (%s)", record.ID)
		}
		if record.Status != "" {
			fmt.Fprintf(&builder, " status=%s", record.Status)
		}
		builder.WriteString("\n")
		if record.Content != "" {
			builder.WriteString(record.Content)
			builder.WriteString("\n")
		}
		for key, value := range record.Fields {
			fmt.Fprintf(&builder, "%s: %s\n", key, value)
		}
	}
	return strings.TrimSpace(builder.String()), nil
}
