package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"OpenMCP-Swarm/internal/engine"
	"OpenMCP-Swarm/internal/workflow"
)

var (
	runThreadID    string
	runModel       string
	runApproveAll  bool
	runDenyAll     bool
	runJSON        bool
	runMaxSwarm    int
	runMaxParallel int
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "在本地执行一个任务，并在终端中处理审批",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTask,
}

func init() {
	runCmd.Flags().StringVar(&runThreadID, "thread", "", "指定线程 ID，默认自动生成")
	runCmd.Flags().StringVar(&runModel, "model", "", "覆盖模型名称")
	runCmd.Flags().BoolVar(&runApproveAll, "approve-all", false, "自动批准全部工具调用")
	runCmd.Flags().BoolVar(&runDenyAll, "deny-all", false, "自动拒绝全部工具调用")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "以 JSON 输出最终结果")
	runCmd.Flags().IntVar(&runMaxSwarm, "max-swarm-size", 0, "覆盖单次执行的最大智能体数")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "覆盖并行执行的智能体数")
	runCmd.MarkFlagsMutuallyExclusive("approve-all", "deny-all")
	rootCmd.AddCommand(runCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer a.close()

	opts := engine.Options{
		Model: workflow.ModelOptions{Model: runModel},
		Limits: workflow.Limits{
			MaxSwarmSize:      runMaxSwarm,
			MaxParallelAgents: runMaxParallel,
		},
	}
	outcome, err := a.engine.Execute(ctx, strings.Join(args, " "), opts, runThreadID)
	if err != nil {
		return err
	}

	approver := &terminalApprover{in: bufio.NewReader(os.Stdin), out: cmd.OutOrStdout()}
	switch {
	case runApproveAll:
		approver.fixed = boolPtr(true)
	case runDenyAll:
		approver.fixed = boolPtr(false)
	}
	outcome, err = driveApprovals(ctx, a.engine, outcome, approver)
	if err != nil {
		return err
	}
	return printOutcome(cmd.OutOrStdout(), outcome, runJSON)
}

type resumer interface {
	Resume(ctx context.Context, threadID string, decisions ...engine.Decision) (*engine.Outcome, error)
}

// driveApprovals 反复收集审批并恢复执行，直到执行不再等待审批。
func driveApprovals(ctx context.Context, eng resumer, outcome *engine.Outcome, approver *terminalApprover) (*engine.Outcome, error) {
	for outcome != nil && outcome.Status == engine.StatusAwaitingApproval && len(outcome.PendingApprovals) > 0 {
		decisions := make([]engine.Decision, 0, len(outcome.PendingApprovals))
		for _, req := range outcome.PendingApprovals {
			approved, reason, err := approver.decide(req)
			if err != nil {
				return outcome, err
			}
			decisions = append(decisions, engine.Decision{
				ID:        req.ID,
				Approved:  approved,
				Timestamp: time.Now().UTC(),
				Reason:    reason,
			})
		}
		next, err := eng.Resume(ctx, outcome.ThreadID, decisions...)
		if err != nil {
			return outcome, err
		}
		outcome = next
	}
	return outcome, nil
}

// terminalApprover 在终端中逐条询问审批结果。fixed 非空时不再询问。
type terminalApprover struct {
	in    *bufio.Reader
	out   io.Writer
	fixed *bool
}

func (t *terminalApprover) decide(req workflow.ToolApprovalRequest) (bool, string, error) {
	args, _ := json.Marshal(req.ToolCall.Arguments)
	fmt.Fprintf(t.out, "%s %s %s\n",
		color.YellowString("[审批]"),
		color.New(color.Bold).Sprint(req.ToolCall.Name),
		riskLabel(req.Risk),
	)
	fmt.Fprintf(t.out, "  角色: %s  参数: %s\n", req.Role, args)
	if req.Context != "" {
		fmt.Fprintf(t.out, "  说明: %s\n", req.Context)
	}
	if t.fixed != nil {
		fmt.Fprintf(t.out, "  自动%s\n", verdict(*t.fixed))
		return *t.fixed, "cli", nil
	}
	for {
		fmt.Fprint(t.out, "  批准? [y/n]: ")
		line, err := t.in.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		switch answer {
		case "y", "yes":
			return true, "", nil
		case "n", "no":
			return false, "operator denied", nil
		}
		if err != nil {
			return false, "", fmt.Errorf("读取审批输入失败: %w", err)
		}
	}
}

func riskLabel(r workflow.Risk) string {
	switch r {
	case workflow.RiskHigh:
		return color.RedString("(high)")
	case workflow.RiskMedium:
		return color.YellowString("(medium)")
	default:
		return color.GreenString("(%s)", r)
	}
}

func verdict(approved bool) string {
	if approved {
		return color.GreenString("批准")
	}
	return color.RedString("拒绝")
}

func printOutcome(w io.Writer, outcome *engine.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	}
	fmt.Fprintf(w, "%s %s\n", color.CyanString("线程:"), outcome.ThreadID)
	status := string(outcome.Status)
	if outcome.Success {
		status = color.GreenString(status)
	} else {
		status = color.RedString(status)
	}
	fmt.Fprintf(w, "%s %s\n", color.CyanString("状态:"), status)
	if outcome.Suspend == workflow.SuspendModelPending {
		fmt.Fprintln(w, color.YellowString("模型暂不可用，执行已挂起，可稍后使用 resume 继续"))
	}
	for _, e := range outcome.Errors {
		fmt.Fprintf(w, "%s [%s] %s\n", color.RedString("错误:"), e.Node, e.Message)
	}
	if outcome.Result != "" {
		fmt.Fprintf(w, "\n%s\n", outcome.Result)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
