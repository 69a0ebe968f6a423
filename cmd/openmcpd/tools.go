package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "列出已连接提供方暴露的全部工具",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := bootstrap(cmd.Context(), configPath, logLevel)
		if err != nil {
			return err
		}
		defer a.close()

		tools, err := a.engine.Tools(cmd.Context())
		if err != nil {
			return err
		}
		if len(tools) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("未连接任何工具提供方"))
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPROVIDER\tDESCRIPTION")
		for _, t := range tools {
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.ProviderID, t.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
