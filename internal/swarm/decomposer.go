package swarm

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"OpenMCP-Swarm/internal/llm"
	"OpenMCP-Swarm/internal/workflow"
)

const decomposeSystemPrompt = `You split a task into independent sub-tasks for a team of specialist agents.
Respond with a JSON array only. Each element is an object with the fields
"description" (string), "role" (one of the available roles, optional) and
"priority" (integer, 1 is most urgent). Return a single element when the task
cannot be split.`

type plannedTask struct {
	Description string `json:"description"`
	Role        string `json:"role"`
	Priority    int    `json:"priority"`
}

// Decomposer 借助模型把原始任务拆解为有序子任务，失败时退化为单一子任务。
type Decomposer struct {
	deps *Deps
}

// Name 实现 Node 接口。
func (d *Decomposer) Name() NodeName { return NodeDecomposer }

// Run 生成子任务列表并进入角色选择阶段。
func (d *Decomposer) Run(ctx context.Context, st *workflow.State) (Result, error) {
	patch := workflow.Patch{Phase: workflow.PhaseAgentSelection}
	if len(st.SubTasks) > 0 {
		return Continue(patch), nil
	}

	planned, err := d.plan(ctx, st)
	switch {
	case stdErrors.Is(err, llm.ErrPending):
		return Suspend(workflow.Patch{}, workflow.SuspendModelPending, nil), nil
	case err != nil && ctx.Err() != nil:
		return Result{}, ctx.Err()
	case err != nil:
		d.deps.Logger.Warn("任务拆解失败，退化为单一子任务",
			slog.String("execution_id", st.ExecutionID), slog.Any("error", err))
	}

	patch.SubTasks = d.toSubTasks(planned, st.OriginalTask)
	return Continue(patch), nil
}

func (d *Decomposer) plan(ctx context.Context, st *workflow.State) ([]plannedTask, error) {
	if d.deps.Model == nil {
		return nil, nil
	}
	var roles strings.Builder
	for _, role := range d.deps.Roles.Roles() {
		fmt.Fprintf(&roles, "- %s: %s\n", role.Name, role.Description)
	}

	callCtx, cancel := d.deps.modelContext(ctx)
	defer cancel()
	resp, err := d.deps.Model.Generate(callCtx, llm.Request{
		Purpose:      llm.PurposeDecompose,
		SystemPrompt: decomposeSystemPrompt,
		Prompt:       fmt.Sprintf("Task:\n%s\n\nAvailable roles:\n%s", st.OriginalTask, roles.String()),
		Knowledge:    knowledgeCards(st.Knowledge),
		Model:        st.Model.Model,
		Temperature:  st.Model.Temperature,
	})
	if err != nil {
		return nil, err
	}
	return parsePlan(resp.Content)
}

func (d *Decomposer) toSubTasks(planned []plannedTask, task string) []workflow.SubTask {
	out := make([]workflow.SubTask, 0, len(planned))
	for _, item := range planned {
		desc := strings.TrimSpace(item.Description)
		if desc == "" {
			continue
		}
		role := strings.TrimSpace(item.Role)
		if _, ok := d.deps.Roles.Lookup(role); !ok {
			role = ""
		}
		priority := item.Priority
		if priority <= 0 {
			priority = len(out) + 1
		}
		out = append(out, workflow.SubTask{Description: desc, AssignedRole: role, Priority: priority})
	}
	if len(out) == 0 {
		out = append(out, workflow.SubTask{Description: strings.TrimSpace(task), Priority: 1})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	for i := range out {
		out[i].ID = fmt.Sprintf("subtask-%d", i+1)
	}
	return out
}

// parsePlan 从模型输出中截取第一个 JSON 数组。
func parsePlan(content string) ([]plannedTask, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("decomposition output contains no JSON array")
	}
	var planned []plannedTask
	if err := json.Unmarshal([]byte(content[start:end+1]), &planned); err != nil {
		return nil, fmt.Errorf("decode decomposition: %w", err)
	}
	return planned, nil
}

func knowledgeCards(chunks []workflow.KnowledgeChunk) []llm.KnowledgeCard {
	if len(chunks) == 0 {
		return nil
	}
	cards := make([]llm.KnowledgeCard, 0, len(chunks))
	for _, chunk := range chunks {
		cards = append(cards, llm.KnowledgeCard{Title: chunk.Source, Content: chunk.Content})
	}
	return cards
}
