package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Role 描述一个可被实例化为智能体卡片的角色。
type Role struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description"`
	SystemPrompt string   `yaml:"system_prompt" json:"system_prompt"`
	Expertise    []string `yaml:"expertise" json:"expertise"`
}

// Candidate 是角色与一段文本的匹配结果。
type Candidate struct {
	Role    Role
	Overlap int
}

// Registry 是只读的角色目录。
type Registry struct {
	roles       map[string]Role
	order       []string
	defaultRole string
}

// Option 定义目录的可选配置。
type Option func(*Registry)

// WithDefaultRole 指定无匹配时使用的兜底角色。
func WithDefaultRole(name string) Option {
	return func(r *Registry) {
		r.defaultRole = strings.TrimSpace(name)
	}
}

// NewRegistry 根据角色列表构造目录，角色名必须唯一且非空。
func NewRegistry(roles []Role, opts ...Option) (*Registry, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("角色目录不能为空")
	}
	r := &Registry{roles: make(map[string]Role, len(roles))}
	for _, role := range roles {
		role.Name = strings.TrimSpace(role.Name)
		if role.Name == "" {
			return nil, fmt.Errorf("角色名称不能为空")
		}
		if _, dup := r.roles[role.Name]; dup {
			return nil, fmt.Errorf("角色 %s 重复定义", role.Name)
		}
		role.Expertise = normalizeTags(role.Expertise)
		r.roles[role.Name] = role
		r.order = append(r.order, role.Name)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.defaultRole == "" {
		r.defaultRole = r.order[0]
	}
	if _, ok := r.roles[r.defaultRole]; !ok {
		return nil, fmt.Errorf("兜底角色 %s 不在目录中", r.defaultRole)
	}
	return r, nil
}

type catalogFile struct {
	DefaultRole string `yaml:"default_role"`
	Roles       []Role `yaml:"roles"`
}

// LoadRegistry 从 YAML 文件加载角色目录。
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取角色目录失败: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析角色目录失败: %w", err)
	}
	return NewRegistry(file.Roles, WithDefaultRole(file.DefaultRole))
}

// Lookup 按名称查找角色。
func (r *Registry) Lookup(name string) (Role, bool) {
	role, ok := r.roles[name]
	return role, ok
}

// Roles 按定义顺序返回全部角色。
func (r *Registry) Roles() []Role {
	out := make([]Role, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.roles[name])
	}
	return out
}

// Default 返回兜底角色。
func (r *Registry) Default() Role {
	return r.roles[r.defaultRole]
}

// Candidates 返回与文本存在专长重叠的角色，最具体的角色排在最前：
// 专长标签最少者优先，其次重叠数多者，最后按名称。
func (r *Registry) Candidates(text string) []Candidate {
	tokens := tokenize(text)
	var out []Candidate
	for _, name := range r.order {
		role := r.roles[name]
		overlap := 0
		for _, tag := range role.Expertise {
			if tagMatches(tag, tokens) {
				overlap++
			}
		}
		if overlap > 0 {
			out = append(out, Candidate{Role: role, Overlap: overlap})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if len(a.Role.Expertise) != len(b.Role.Expertise) {
			return len(a.Role.Expertise) < len(b.Role.Expertise)
		}
		if a.Overlap != b.Overlap {
			return a.Overlap > b.Overlap
		}
		return a.Role.Name < b.Role.Name
	})
	return out
}

func tagMatches(tag string, tokens map[string]struct{}) bool {
	parts := strings.Fields(tag)
	if len(parts) == 0 {
		return false
	}
	for _, part := range parts {
		if _, ok := tokens[part]; !ok {
			return false
		}
	}
	return true
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		tokens[f] = struct{}{}
	}
	return tokens
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.Join(strings.Fields(strings.ToLower(tag)), " ")
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
