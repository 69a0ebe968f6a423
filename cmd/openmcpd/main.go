package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "openmcpd",
	Short: "OpenMCP Swarm - resumable multi-agent orchestration",
	Long: `openmcpd runs a supervisor-driven swarm of role agents that call MCP tools.
Executions are checkpointed after every step and pause for human approval
before risky tool calls; a paused execution can be resumed from any process
that shares the checkpoint store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("OPENMCP_CONFIG"), "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "覆盖配置中的日志级别")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprintf("openmcpd: %v", err))
		os.Exit(1)
	}
}
