package main

import (
	"bufio"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"OpenMCP-Swarm/internal/engine"
)

var (
	resumeApprove bool
	resumeDeny    bool
	resumeReason  string
	resumeResult  string
	resumeJSON    bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume <thread-id> [approval-id]",
	Short: "从检查点恢复执行，可同时提交一条审批结果",
	Long: `resume 从共享检查点存储中恢复线程。给出 approval-id 时必须同时指定
--approve 或 --deny；省略时仅重新唤醒执行（例如模型恢复可用后）。
恢复后若仍有待审批的工具调用，会在终端中继续询问。`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeApprove, "approve", false, "批准该工具调用")
	resumeCmd.Flags().BoolVar(&resumeDeny, "deny", false, "拒绝该工具调用")
	resumeCmd.Flags().StringVar(&resumeReason, "reason", "", "审批理由")
	resumeCmd.Flags().StringVar(&resumeResult, "execution-result", "", "外部已执行时直接提供工具结果")
	resumeCmd.Flags().BoolVar(&resumeJSON, "json", false, "以 JSON 输出最终结果")
	resumeCmd.MarkFlagsMutuallyExclusive("approve", "deny")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	var decisions []engine.Decision
	if len(args) == 2 {
		if !resumeApprove && !resumeDeny {
			return cmd.Usage()
		}
		d := engine.Decision{
			ID:        args[1],
			Approved:  resumeApprove,
			Timestamp: time.Now().UTC(),
			Reason:    resumeReason,
		}
		if cmd.Flags().Changed("execution-result") {
			d.ExecutionResult = &resumeResult
		}
		decisions = append(decisions, d)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, configPath, logLevel)
	if err != nil {
		return err
	}
	defer a.close()

	outcome, err := a.engine.Resume(ctx, args[0], decisions...)
	if err != nil {
		return err
	}
	approver := &terminalApprover{in: bufio.NewReader(os.Stdin), out: cmd.OutOrStdout()}
	outcome, err = driveApprovals(ctx, a.engine, outcome, approver)
	if err != nil {
		return err
	}
	return printOutcome(cmd.OutOrStdout(), outcome, resumeJSON)
}
