package capability

import (
	"encoding/json"
	"sort"
	"strings"
)

// Descriptor 描述一个可被智能体调用的工具。
//
// Name 是暴露给大模型的名称，ToolName 是能力提供方内部的原始名称。
// 多个提供方存在同名工具时，后出现者的 Name 会被限定为 provider__tool。
type Descriptor struct {
	Name        string          `json:"name"`
	ToolName    string          `json:"tool_name"`
	ProviderID  string          `json:"provider_id"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolTable 是一次执行内不可变的工具表。
type ToolTable struct {
	byName map[string]Descriptor
	list   []Descriptor
}

// NewToolTable 根据描述列表构建工具表，重名工具会被加上提供方限定前缀。
func NewToolTable(descriptors []Descriptor) *ToolTable {
	table := &ToolTable{byName: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.ToolName == "" {
			d.ToolName = d.Name
		}
		if d.Name == "" {
			d.Name = d.ToolName
		}
		if d.Name == "" {
			continue
		}
		if _, exists := table.byName[d.Name]; exists {
			d.Name = QualifiedName(d.ProviderID, d.ToolName)
			if _, dup := table.byName[d.Name]; dup {
				continue
			}
		}
		table.byName[d.Name] = d
		table.list = append(table.list, d)
	}
	return table
}

// QualifiedName 返回带提供方前缀的工具名称。
func QualifiedName(providerID, tool string) string {
	return providerID + "__" + tool
}

// Lookup 按暴露名称查找工具。
func (t *ToolTable) Lookup(name string) (Descriptor, bool) {
	if t == nil {
		return Descriptor{}, false
	}
	d, ok := t.byName[strings.TrimSpace(name)]
	return d, ok
}

// Descriptors 返回工具表的副本，按注册顺序排列。
func (t *ToolTable) Descriptors() []Descriptor {
	if t == nil {
		return nil
	}
	out := make([]Descriptor, len(t.list))
	copy(out, t.list)
	return out
}

// Len 返回工具数量。
func (t *ToolTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.list)
}

// Providers 返回工具表涉及的提供方标识。
func (t *ToolTable) Providers() []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, d := range t.list {
		seen[d.ProviderID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
