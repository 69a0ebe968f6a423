package swarm

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"OpenMCP-Swarm/internal/workflow"
)

var (
	highRiskTokens = []string{
		"delete", "remove", "drop", "destroy", "truncate", "write", "overwrite",
		"send", "email", "transfer", "pay", "payment", "purchase", "deploy",
		"exec", "execute", "run", "shell", "command", "kill", "shutdown",
		"update", "modify", "move", "rename", "post", "publish", "commit", "push", "sign",
	}
	mediumRiskTokens = []string{
		"create", "add", "insert", "put", "upload", "set", "edit", "patch",
		"schedule", "book", "invite", "save", "append",
	}
	lowRiskTokens = []string{
		"read", "get", "list", "search", "find", "fetch", "query", "lookup",
		"describe", "view", "show", "echo", "status", "count", "summarize",
	}
	highRiskProviders = []string{"shell", "exec", "terminal", "payment", "payments", "bank", "wallet"}
)

// RiskTable 根据工具名与提供方计算调用风险，支持精确覆盖。
type RiskTable struct {
	overrides map[string]workflow.Risk
}

// NewRiskTable 创建风险表。覆盖项的键可以是 "provider/tool" 或单独的工具名。
func NewRiskTable(overrides map[string]workflow.Risk) *RiskTable {
	t := &RiskTable{overrides: make(map[string]workflow.Risk, len(overrides))}
	for key, risk := range overrides {
		t.overrides[strings.ToLower(strings.TrimSpace(key))] = risk
	}
	return t
}

// ParseOverrides 将配置中的字符串映射解析为风险覆盖表。
func ParseOverrides(raw map[string]string) (map[string]workflow.Risk, error) {
	out := make(map[string]workflow.Risk, len(raw))
	for key, value := range raw {
		risk, err := workflow.ParseRisk(strings.ToLower(strings.TrimSpace(value)))
		if err != nil {
			return nil, fmt.Errorf("risk override %s: %w", key, err)
		}
		out[key] = risk
	}
	return out, nil
}

// Classify 返回调用 providerID 上 tool 的风险等级。
func (t *RiskTable) Classify(providerID, tool string) workflow.Risk {
	provider := strings.ToLower(providerID)
	name := strings.ToLower(tool)
	if risk, ok := t.overrides[provider+"/"+name]; ok {
		return risk
	}
	if risk, ok := t.overrides[name]; ok {
		return risk
	}

	risk := classifyTokens(splitIdentifier(tool))
	for _, token := range splitIdentifier(providerID) {
		if contains(highRiskProviders, token) {
			return workflow.RiskHigh
		}
	}
	return risk
}

func classifyTokens(tokens []string) workflow.Risk {
	var sawMedium, sawLow bool
	for _, token := range tokens {
		switch {
		case contains(highRiskTokens, token):
			return workflow.RiskHigh
		case contains(mediumRiskTokens, token):
			sawMedium = true
		case contains(lowRiskTokens, token):
			sawLow = true
		}
	}
	if sawMedium {
		return workflow.RiskMedium
	}
	if sawLow {
		return workflow.RiskLow
	}
	return workflow.RiskMedium
}

// splitIdentifier 按分隔符与驼峰边界切分标识符并转为小写。
func splitIdentifier(name string) []string {
	var tokens []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			tokens = append(tokens, strings.ToLower(string(current)))
			current = current[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
			current = append(current, r)
		default:
			current = append(current, r)
		}
	}
	flush()
	return tokens
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// DeniedPolicy 决定工具调用被拒绝后智能体如何继续。
type DeniedPolicy string

const (
	// DeniedProceed 将拒绝结果回传给智能体，由其在没有该工具的情况下继续。
	DeniedProceed DeniedPolicy = "proceed"
	// DeniedFail 使发起调用的智能体直接失败。
	DeniedFail DeniedPolicy = "fail"
)

// ApprovalPolicy 描述审批相关的策略。
type ApprovalPolicy struct {
	// AutoApprove 中的风险等级无需人工决策。
	AutoApprove map[workflow.Risk]bool
	OnDenied    DeniedPolicy
	// Timeout 为审批请求的有效期，零值表示使用默认值，负值表示永不过期。
	Timeout time.Duration
}

// DefaultApprovalTimeout 是审批请求的默认有效期。
const DefaultApprovalTimeout = 24 * time.Hour

func (p ApprovalPolicy) normalize() ApprovalPolicy {
	if p.OnDenied != DeniedFail {
		p.OnDenied = DeniedProceed
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultApprovalTimeout
	}
	return p
}

// AutoApproves 判断给定风险等级是否免审批。
func (p ApprovalPolicy) AutoApproves(risk workflow.Risk) bool {
	return p.AutoApprove[risk]
}

// Expired 判断审批请求在 now 时刻是否已过期。
func (p ApprovalPolicy) Expired(req workflow.ToolApprovalRequest, now time.Time) bool {
	if p.Timeout <= 0 || req.Status != workflow.ApprovalPending {
		return false
	}
	return now.Sub(req.RequestedAt) >= p.Timeout
}
