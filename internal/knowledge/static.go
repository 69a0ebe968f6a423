// Package knowledge supplies read-only context chunks that are injected into
// every agent's model call before the swarm starts executing.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(ctx context.Context, task string) ([]Chunk, error)
}

// Chunk 描述可供大模型引用的一段知识。
type Chunk struct {
	ID        string   `json:"id" yaml:"id"`
	Title     string   `json:"title" yaml:"title"`
	Content   string   `json:"content" yaml:"content"`
	Source    string   `json:"source" yaml:"source"`
	Keywords  []string `json:"keywords" yaml:"keywords"`
	Tags      []string `json:"tags" yaml:"tags"`
	Relevance float64  `json:"relevance" yaml:"-"`
}

// StaticProvider 通过加载静态文件提供知识检索能力。
type StaticProvider struct {
	items      []Chunk
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Chunk, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = fmt.Sprintf("kb-%d", i+1)
		}
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Chunk
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	for i := range entries {
		if entries[i].Source == "" {
			entries[i].Source = filepath.Base(absPath)
		}
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 按关键词与标签命中比例打分，返回相关度最高的若干条。
func (p *StaticProvider) Query(ctx context.Context, task string) ([]Chunk, error) {
	if p == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	task = strings.ToLower(strings.TrimSpace(task))
	results := make([]Chunk, 0, p.maxResults)
	for _, item := range p.items {
		score := relevance(item, task)
		if score <= 0 {
			continue
		}
		item.Relevance = score
		results = append(results, item)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
	if len(results) > p.maxResults {
		results = results[:p.maxResults]
	}
	return results, nil
}

func relevance(chunk Chunk, task string) float64 {
	terms := append(append([]string(nil), chunk.Keywords...), chunk.Tags...)
	if len(terms) == 0 {
		return 0.1
	}
	hits, total := 0, 0
	for _, term := range terms {
		normalized := strings.ToLower(strings.TrimSpace(term))
		if normalized == "" {
			continue
		}
		total++
		if strings.Contains(task, normalized) {
			hits++
		}
	}
	if total == 0 {
		return 0.1
	}
	return float64(hits) / float64(total)
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
