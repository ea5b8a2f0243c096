// ledgerctl 运维命令行：签发令牌、生成合规报告、导出与归档审计日志
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagEnv    string
	flagConfig string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "EventHub 审计与合规运维工具",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEnv, "env", envOr("APP_ENV", "dev"), "配置环境 dev/prod/test")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "配置文件路径（覆盖 --env）")

	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(replaySpoolCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
