package audit

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"eventhub/internal/common"
)

// Archiver 按天将审计日志归档为 gzip JSONL 文件。
// 审计表只追加，归档只复制不删除；已存在的归档文件不会重写。
type Archiver struct {
	ledger        *Ledger
	archivePath   string
	compressLevel int
	now           func() time.Time
	mu            sync.Mutex
}

// ArchiveConfig 归档配置
type ArchiveConfig struct {
	ArchivePath   string // 归档文件存储路径
	CompressLevel int    // 压缩级别 (1-9)
}

// NewArchiver 创建归档器
func NewArchiver(ledger *Ledger, config ArchiveConfig) *Archiver {
	if config.CompressLevel <= 0 || config.CompressLevel > 9 {
		config.CompressLevel = gzip.BestCompression
	}
	if config.ArchivePath == "" {
		config.ArchivePath = "./archive/audit"
	}
	return &Archiver{
		ledger:        ledger,
		archivePath:   config.ArchivePath,
		compressLevel: config.CompressLevel,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveResult 归档结果
type ArchiveResult struct {
	ArchivedFiles []string      `json:"archived_files"`
	TotalEntries  int64         `json:"total_entries"`
	SkippedDays   int           `json:"skipped_days"`
	Duration      time.Duration `json:"duration"`
	Errors        []string      `json:"errors,omitempty"`
}

// Archive 归档所有已结束的自然日（UTC），当天的数据不归档
func (a *Archiver) Archive(ctx context.Context) (*ArchiveResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	result := &ArchiveResult{ArchivedFiles: make([]string, 0)}

	var oldest Entry
	err := a.ledger.db.WithContext(ctx).Order("timestamp ASC").Limit(1).Find(&oldest).Error
	if err != nil {
		return nil, fmt.Errorf("查询最早审计日志失败: %w", err)
	}
	if oldest.ID == "" {
		result.Duration = time.Since(start)
		return result, nil
	}

	today := truncateDay(a.now())
	for day := truncateDay(oldest.Timestamp); day.Before(today); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		filename := a.pathFor(day)
		if _, err := os.Stat(filename); err == nil {
			result.SkippedDays++
			continue
		}

		entries, _, err := a.ledger.Query(ctx, Filter{
			Range: common.DateRange{Start: day, End: day.Add(24*time.Hour - time.Nanosecond)},
			Limit: 10000,
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("query %s: %v", day.Format("2006-01-02"), err))
			continue
		}
		if len(entries) == 0 {
			continue
		}
		if err := a.writeFile(filename, entries); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("archive %s: %v", day.Format("2006-01-02"), err))
			continue
		}
		result.ArchivedFiles = append(result.ArchivedFiles, filename)
		result.TotalEntries += int64(len(entries))
	}

	result.Duration = time.Since(start)
	return result, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// pathFor 文件名格式: <root>/2024/01/audit_2024-01-15.jsonl.gz
func (a *Archiver) pathFor(day time.Time) string {
	return filepath.Join(a.archivePath, day.Format("2006"), day.Format("01"),
		fmt.Sprintf("audit_%s.jsonl.gz", day.Format("2006-01-02")))
}

// writeFile 先写临时文件再改名，避免留下半截归档
func (a *Archiver) writeFile(filename string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("创建归档目录失败: %w", err)
	}
	tmp := filename + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("创建归档文件失败: %w", err)
	}

	werr := func() error {
		gz, err := gzip.NewWriterLevel(file, a.compressLevel)
		if err != nil {
			return err
		}
		if err := writeJSONL(gz, entries); err != nil {
			gz.Close()
			return err
		}
		return gz.Close()
	}()
	cerr := file.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filename)
}

// ArchiveInfo 归档文件信息
type ArchiveInfo struct {
	Path     string    `json:"path"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
}

// ListArchives 列出归档文件，按文件名（日期）倒序
func (a *Archiver) ListArchives() ([]ArchiveInfo, error) {
	var archives []ArchiveInfo
	err := filepath.Walk(a.archivePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".jsonl.gz") {
			archives = append(archives, ArchiveInfo{
				Path:     path,
				Filename: info.Name(),
				Size:     info.Size(),
				ModTime:  info.ModTime(),
			})
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Filename > archives[j].Filename
	})
	return archives, nil
}

// RestoreArchive 读取归档文件
func (a *Archiver) RestoreArchive(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开归档文件失败: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("读取 gzip 失败: %w", err)
	}
	defer gz.Close()

	var entries []Entry
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("解析归档条目失败: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
