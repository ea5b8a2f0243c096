package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"eventhub/internal/audit"
	"eventhub/internal/auth"
	"eventhub/internal/common"
	"eventhub/internal/compliance"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <actor-id>",
	Short: "为操作者签发访问令牌与刷新令牌",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roles, _ := cmd.Flags().GetStringSlice("roles")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		secret := strings.TrimSpace(cfg.Auth.JWTSecret)
		if secret == "" {
			secret = strings.TrimSpace(os.Getenv("JWT_SECRET_KEY"))
		}
		if secret == "" {
			return fmt.Errorf("auth.jwt_secret 未配置")
		}

		svc := auth.NewJWTService(secret, cfg.Auth.Issuer, nil).WithExpiry(ttl, 0)
		pair, err := svc.GenerateTokenPair(args[0], roles)
		if err != nil {
			return err
		}
		return printJSON(pair)
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <GDPR|CCPA|HIPAA>",
	Short: "生成合规报告",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		framework, err := compliance.ParseFramework(args[0])
		if err != nil {
			return err
		}
		r, err := rangeFlags(cmd, 30*24*time.Hour)
		if err != nil {
			return err
		}

		env, err := openEnv(false)
		if err != nil {
			return err
		}
		defer env.Close()
		if err := compliance.Migrate(env.db); err != nil {
			return err
		}

		svc := compliance.NewService(env.db, env.ledger, nil, nil, nil)
		report, err := svc.GenerateReport(cmd.Context(), framework, r.Start, r.End)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "导出审计日志",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		actor, _ := cmd.Flags().GetString("actor")
		action, _ := cmd.Flags().GetString("action")
		operator, _ := cmd.Flags().GetString("as")
		r, err := rangeFlags(cmd, 0)
		if err != nil {
			return err
		}

		env, err := openEnv(false)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := audit.NewExporter(env.ledger).Export(cmd.Context(), &audit.ExportRequest{
			Format:  audit.ParseFormat(format),
			Filter:  audit.Filter{ActorID: actor, Action: action, Range: r},
			ActorID: operator,
		})
		if err != nil {
			return err
		}
		if output == "" {
			output = result.Filename
		}
		if output == "-" {
			_, err = os.Stdout.Write(result.Data)
			return err
		}
		if err := os.WriteFile(output, result.Data, 0o644); err != nil {
			return fmt.Errorf("写入导出文件失败: %w", err)
		}
		fmt.Fprintf(os.Stderr, "已导出 %d 条审计日志到 %s\n", result.TotalCount, output)
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "将已结束自然日的审计日志归档为 gzip 文件",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(false)
		if err != nil {
			return err
		}
		defer env.Close()

		archiver := audit.NewArchiver(env.ledger, audit.ArchiveConfig{ArchivePath: env.cfg.Audit.ArchivePath})
		result, err := archiver.Archive(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var replaySpoolCmd = &cobra.Command{
	Use:   "replay-spool",
	Short: "将审计兜底文件中的条目回放入库",
	Long:  "服务运行时兜底文件被其持有，请在服务停止后执行。",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.Close()
		if env.spool == nil {
			return fmt.Errorf("audit.fallback_path 未配置")
		}

		n, err := env.ledger.ReplaySpool(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("已回放 %d 条审计日志\n", n)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringSlice("roles", []string{auth.RoleOperator}, "角色列表：admin, operator, compliance, auditor")
	tokenCmd.Flags().Duration("ttl", 0, "访问令牌有效期（默认使用服务配置）")

	for _, c := range []*cobra.Command{reportCmd, exportCmd} {
		c.Flags().String("start", "", "开始时间（RFC3339 或 2006-01-02）")
		c.Flags().String("end", "", "结束时间（RFC3339 或 2006-01-02）")
	}

	exportCmd.Flags().String("format", string(audit.FormatJSON), "导出格式：json, csv, jsonl.gz")
	exportCmd.Flags().StringP("output", "o", "", "输出文件，- 表示标准输出")
	exportCmd.Flags().String("actor", "", "按操作者过滤")
	exportCmd.Flags().String("action", "", "按审计动作过滤")
	exportCmd.Flags().String("as", "ledgerctl", "记录在导出审计中的操作者")
}

// rangeFlags 解析 --start/--end；defaultSpan 大于 0 且未给出开始时间时取最近一段
func rangeFlags(cmd *cobra.Command, defaultSpan time.Duration) (common.DateRange, error) {
	startRaw, _ := cmd.Flags().GetString("start")
	endRaw, _ := cmd.Flags().GetString("end")
	r, err := common.ParseDateRange(startRaw, endRaw)
	if err != nil {
		return r, err
	}
	if defaultSpan > 0 && r.Start.IsZero() {
		if r.End.IsZero() {
			r.End = time.Now().UTC()
		}
		r.Start = r.End.Add(-defaultSpan)
	}
	return r, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
