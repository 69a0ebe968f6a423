package swarm

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Swarm/internal/llm"
	"OpenMCP-Swarm/internal/workflow"
)

const synthesizeSystemPrompt = `You merge the outputs of several specialist agents into one answer for the
user. Resolve contradictions, drop duplicates and keep the answer focused on
the original task.`

// NoResultMessage 是没有任何智能体产出时的合成结果。
const NoResultMessage = "No agent produced a result."

// Synthesizer 汇总各智能体的产出并结束执行。
type Synthesizer struct {
	deps *Deps
}

// Name 实现 Node 接口。
func (s *Synthesizer) Name() NodeName { return NodeSynthesizer }

type agentOutput struct {
	role string
	text string
}

// Run 生成最终结果与置信度，并进入 completed 阶段。
func (s *Synthesizer) Run(ctx context.Context, st *workflow.State) (Result, error) {
	total := len(st.ActiveAgents)
	var usable []agentOutput
	for _, card := range st.ActiveInOrder() {
		res, ok := st.AgentResults[card.Role]
		if !ok || res.Status != workflow.AgentCompleted || strings.TrimSpace(res.Result) == "" {
			continue
		}
		usable = append(usable, agentOutput{role: card.Role, text: strings.TrimSpace(res.Result)})
	}
	confidence := 0.0
	if total > 0 {
		confidence = float64(len(usable)) / float64(total)
	}
	log := s.deps.Logger.With(slog.String("execution_id", st.ExecutionID))

	var text string
	switch {
	case len(usable) == 0:
		text = concatOutputs(rawOutputs(st))
		if text == "" {
			text = NoResultMessage
		}
	case len(usable) == 1:
		text = usable[0].text
	case s.deps.Model == nil:
		text = concatOutputs(usable)
	default:
		merged, err := s.merge(ctx, st, usable)
		switch {
		case stdErrors.Is(err, llm.ErrPending):
			log.Info("合成结果尚未就绪，挂起执行")
			return Suspend(workflow.Patch{}, workflow.SuspendModelPending, nil), nil
		case err != nil && ctx.Err() != nil:
			return Result{}, ctx.Err()
		case err != nil:
			log.Warn("模型合成失败，退化为拼接输出", slog.Any("error", err))
			text = concatOutputs(usable)
		default:
			text = merged
		}
	}

	log.Info("合成完成", slog.Int("usable", len(usable)), slog.Int("agents", total), slog.Float64("confidence", confidence))
	return Continue(workflow.Patch{
		Phase:      workflow.PhaseCompleted,
		Result:     workflow.String(text),
		Confidence: workflow.Float(confidence),
		Messages: []workflow.Message{{
			Role:    workflow.MessageAssistant,
			Content: text,
			At:      s.deps.Clock(),
		}},
	}), nil
}

func (s *Synthesizer) merge(ctx context.Context, st *workflow.State, usable []agentOutput) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Original task:\n%s\n\nAgent outputs:\n", st.OriginalTask)
	b.WriteString(concatOutputs(usable))

	callCtx, cancel := s.deps.modelContext(ctx)
	defer cancel()
	resp, err := s.deps.Model.Generate(callCtx, llm.Request{
		Purpose:      llm.PurposeSynthesize,
		SystemPrompt: synthesizeSystemPrompt,
		Prompt:       b.String(),
		Model:        st.Model.Model,
		Temperature:  st.Model.Temperature,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("model returned an empty synthesis")
	}
	return strings.TrimSpace(resp.Content), nil
}

// rawOutputs 收集所有智能体的原始输出，包括错误信息。
func rawOutputs(st *workflow.State) []agentOutput {
	var out []agentOutput
	for _, card := range st.ActiveInOrder() {
		res, ok := st.AgentResults[card.Role]
		if !ok {
			continue
		}
		text := strings.TrimSpace(res.Result)
		if text == "" && res.Error != "" {
			text = "error: " + res.Error
		}
		if text == "" {
			continue
		}
		out = append(out, agentOutput{role: card.Role, text: text})
	}
	return out
}

func concatOutputs(outputs []agentOutput) string {
	parts := make([]string, 0, len(outputs))
	for _, o := range outputs {
		parts = append(parts, fmt.Sprintf("## %s\n%s", o.role, o.text))
	}
	return strings.Join(parts, "\n\n")
}
