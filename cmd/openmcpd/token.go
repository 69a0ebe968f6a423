package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"OpenMCP-Swarm/internal/auth"
	"OpenMCP-Swarm/internal/config"
)

var (
	tokenName  string
	tokenPerms []string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "为 API 调用方签发 JWT（需要 auth.mode=jwt）",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		svc, err := openAuth(cfg.Auth)
		if err != nil {
			return err
		}
		token, expires, err := svc.Issue(auth.Subject{Name: tokenName, Permissions: tokenPerms}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), color.CyanString("expires at %s", expires.UTC().Format(time.RFC3339)))
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "调用方名称，审批审计日志中记为审批人")
	tokenCmd.Flags().StringSliceVar(&tokenPerms, "perm", []string{auth.PermissionRead}, "授予的权限，可重复指定")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "有效期，默认取配置 auth.jwt.ttl")
	_ = tokenCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(tokenCmd)
}
