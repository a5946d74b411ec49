package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
)

const defaultSearchEndpoint = "https://html.duckduckgo.com/html/"

// SearchResult 是一条网页搜索结果。
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearch 通过 HTML 搜索页获取结果。
type WebSearch struct {
	endpoint   string
	maxResults int
	httpClient *http.Client
}

// NewWebSearch 创建搜索工具，endpoint 为空时使用 DuckDuckGo HTML 接口。
func NewWebSearch(endpoint string, maxResults int) *WebSearch {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultSearchEndpoint
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	return &WebSearch{endpoint: endpoint, maxResults: maxResults, httpClient: &http.Client{}}
}

// Schema 实现 Tool。
func (w *WebSearch) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        NameWebSearch,
		Description: "Search the public web and return result titles, links and snippets.",
		Parameters:  querySchema("the search query"),
	}
}

// Invoke 实现 Tool。
func (w *WebSearch) Invoke(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(NameWebSearch, raw, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", xerrors.New(xerrors.CodeFormat, "web_search 需要 query 参数")
	}

	results, err := w.search(ctx, args.Query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No results found for: " + args.Query, nil
	}
	var builder strings.Builder
	for idx, result := range results {
		fmt.Fprintf(&builder, "[%d] %s\n%s\n", idx+1, result.Title, result.URL)
		if result.Snippet != "" {
			builder.WriteString(result.Snippet)
			builder.WriteString("\n")
		}
	}
	return strings.TrimSpace(builder.String()), nil
}

func (w *WebSearch) search(ctx context.Context, query string) ([]SearchResult, error) {
	endpoint, err := url.Parse(w.endpoint)
	if err != nil {
		return nil, fmt.Errorf("解析搜索地址失败: %w", err)
	}
	values := endpoint.Query()
	values.Set("q", query)
	endpoint.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("构建搜索请求失败: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; TaskPilot/1.0)")
	req.Header.Set("Accept", "text/html")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("搜索请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("搜索服务返回状态 %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("解析搜索结果失败: %w", err)
	}
	return extractResults(doc, w.maxResults), nil
}

// extractResults 读取 class 含 result__a / result__snippet 的节点。
func extractResults(doc *html.Node, limit int) []SearchResult {
	var results []SearchResult
	var current *SearchResult

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= limit {
			return
		}
		if n.Type == html.ElementNode {
			class := attr(n, "class")
			switch {
			case strings.Contains(class, "result__a"):
				if current != nil && current.Title != "" {
					results = append(results, *current)
				}
				current = &SearchResult{Title: text(n), URL: resolveRedirect(attr(n, "href"))}
				return
			case strings.Contains(class, "result__snippet") && current != nil:
				current.Snippet = text(n)
				return
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	if current != nil && current.Title != "" && len(results) < limit {
		results = append(results, *current)
	}
	return results
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var builder strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			builder.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(builder.String()), " ")
}

func resolveRedirect(href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}
