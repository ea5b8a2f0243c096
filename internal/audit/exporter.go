package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	FormatCSV       ExportFormat = "csv"
	FormatJSON      ExportFormat = "json"
	FormatJSONLGzip ExportFormat = "jsonl.gz"
)

// ParseFormat 解析导出格式，未知格式返回 JSON
func ParseFormat(s string) ExportFormat {
	switch ExportFormat(s) {
	case FormatCSV, FormatJSONLGzip:
		return ExportFormat(s)
	default:
		return FormatJSON
	}
}

// ExportRequest 导出请求
type ExportRequest struct {
	Format  ExportFormat `json:"format"`
	Filter  Filter       `json:"-"`
	ActorID string       `json:"actorId,omitempty"` // 发起导出的操作人，导出本身会被审计
}

// ExportResult 导出结果
type ExportResult struct {
	Data        []byte `json:"-"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	TotalCount  int    `json:"totalCount"`
}

// Exporter 审计日志导出器
type Exporter struct {
	ledger *Ledger
}

// NewExporter 创建导出器
func NewExporter(ledger *Ledger) *Exporter {
	return &Exporter{ledger: ledger}
}

// Export 导出审计日志并记录一条 data.export 审计
func (e *Exporter) Export(ctx context.Context, req *ExportRequest) (*ExportResult, error) {
	entries, _, err := e.ledger.Query(ctx, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("查询审计日志失败: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102_150405")
	var result *ExportResult
	switch req.Format {
	case FormatCSV:
		result, err = exportCSV(entries, timestamp)
	case FormatJSONLGzip:
		result, err = exportJSONLGzip(entries, timestamp)
	default:
		result, err = exportJSON(entries, timestamp)
	}
	if err != nil {
		return nil, err
	}

	e.ledger.Record(ctx, Entry{
		ActorID:  req.ActorID,
		Action:   ActionDataExport,
		Resource: "audit_entries",
		Metadata: map[string]any{
			"format": string(req.Format),
			"count":  len(entries),
		},
		Success: true,
	})
	return result, nil
}

// WriteTo 导出到 io.Writer
func (e *Exporter) WriteTo(ctx context.Context, req *ExportRequest, w io.Writer) (*ExportResult, error) {
	result, err := e.Export(ctx, req)
	if err != nil {
		return nil, err
	}
	_, err = w.Write(result.Data)
	return result, err
}

var csvHeader = []string{"ID", "时间", "操作人", "事件", "资源", "资源ID", "级别", "成功", "元数据"}

func exportCSV(entries []Entry, timestamp string) (*ExportResult, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		meta := ""
		if len(entry.Metadata) > 0 {
			if b, err := json.Marshal(entry.Metadata); err == nil {
				meta = string(b)
			}
		}
		row := []string{
			entry.ID,
			entry.Timestamp.UTC().Format(time.RFC3339Nano),
			entry.ActorID,
			entry.Action,
			entry.Resource,
			entry.ResourceID,
			string(entry.Severity),
			strconv.FormatBool(entry.Success),
			meta,
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return &ExportResult{
		Data:        buf.Bytes(),
		Filename:    fmt.Sprintf("audit_entries_%s.csv", timestamp),
		ContentType: "text/csv; charset=utf-8",
		TotalCount:  len(entries),
	}, nil
}

// exportEnvelope JSON 导出结果包装
type exportEnvelope struct {
	ExportedAt string  `json:"exportedAt"`
	TotalCount int     `json:"totalCount"`
	Entries    []Entry `json:"entries"`
}

func exportJSON(entries []Entry, timestamp string) (*ExportResult, error) {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(exportEnvelope{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		TotalCount: len(entries),
		Entries:    entries,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return &ExportResult{
		Data:        data,
		Filename:    fmt.Sprintf("audit_entries_%s.json", timestamp),
		ContentType: "application/json; charset=utf-8",
		TotalCount:  len(entries),
	}, nil
}

func exportJSONLGzip(entries []Entry, timestamp string) (*ExportResult, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := writeJSONL(gz, entries); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &ExportResult{
		Data:        buf.Bytes(),
		Filename:    fmt.Sprintf("audit_entries_%s.jsonl.gz", timestamp),
		ContentType: "application/gzip",
		TotalCount:  len(entries),
	}, nil
}

func writeJSONL(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("编码审计条目失败: %w", err)
		}
	}
	return nil
}
