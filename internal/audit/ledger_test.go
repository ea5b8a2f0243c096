package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eventhub/internal/common"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:audit_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func setupLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := openTestDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func openTestSpool(t *testing.T) *BoltSpool {
	t.Helper()
	spool, err := OpenBoltSpool(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { spool.Close() })
	return spool
}

func TestLedger_RecordFillsDefaults(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := NewLedger(db, nil, nil, zaptest.NewLogger(t))

	got := ledger.Record(context.Background(), Entry{
		Action:     ActionInstanceError,
		Resource:   "instance",
		ResourceID: "i-1",
		Metadata:   map[string]any{"reason": "bad key"},
	})
	require.NotNil(t, got)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, SeverityHigh, got.Severity)

	var stored Entry
	require.NoError(t, db.First(&stored, "id = ?", got.ID).Error)
	assert.Equal(t, "bad key", stored.Metadata["reason"])
	assert.Equal(t, "", stored.ActorID, "匿名/系统操作允许空操作人")
}

func TestLedger_RecordSurvivesCancelledContext(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := NewLedger(db, nil, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := ledger.Record(ctx, Entry{Action: ActionInstanceCreate, Resource: "instance", ResourceID: "i-1"})

	var count int64
	db.Model(&Entry{}).Where("id = ?", got.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestEntry_AppendOnly(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := NewLedger(db, nil, nil, zaptest.NewLogger(t))
	entry := ledger.Record(context.Background(), Entry{Action: ActionConsentGrant, Resource: "consent", ResourceID: "c-1"})

	t.Run("ORM 更新被拒绝", func(t *testing.T) {
		err := db.Model(entry).Update("action", "tampered").Error
		assert.ErrorIs(t, err, ErrAppendOnly)
	})

	t.Run("ORM 删除被拒绝", func(t *testing.T) {
		err := db.Delete(entry).Error
		assert.ErrorIs(t, err, ErrAppendOnly)
	})

	t.Run("原生 SQL 被触发器拒绝", func(t *testing.T) {
		assert.Error(t, db.Exec("UPDATE audit_entries SET action = 'x' WHERE id = ?", entry.ID).Error)
		assert.Error(t, db.Exec("DELETE FROM audit_entries WHERE id = ?", entry.ID).Error)
	})

	var stored Entry
	require.NoError(t, db.First(&stored, "id = ?", entry.ID).Error)
	assert.Equal(t, ActionConsentGrant, stored.Action)
}

func TestLedger_FallbackToSpoolAndReplay(t *testing.T) {
	db := openTestDB(t) // 未迁移，写库必然失败
	spool := openTestSpool(t)
	ledger := NewLedger(db, spool, nil, zaptest.NewLogger(t))

	first := ledger.Record(context.Background(), Entry{Action: ActionOperationFail, Resource: "operation", ResourceID: "op-1"})
	second := ledger.Record(context.Background(), Entry{Action: ActionOperationStart, Resource: "operation", ResourceID: "op-2"})
	require.NotNil(t, first)
	require.NotNil(t, second)

	n, err := spool.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, Migrate(db))
	replayed, err := ledger.ReplaySpool(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, replayed)

	var stored []Entry
	require.NoError(t, db.Order("timestamp ASC").Find(&stored).Error)
	require.Len(t, stored, 2)
	assert.Equal(t, first.ID, stored[0].ID)
	assert.Equal(t, second.ID, stored[1].ID)

	again, err := ledger.ReplaySpool(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again)
}

func TestLedger_FallbackToLogWhenSpoolFails(t *testing.T) {
	db := openTestDB(t)
	spool := openTestSpool(t)
	require.NoError(t, spool.Close())

	core, logs := observer.New(zap.ErrorLevel)
	ledger := NewLedger(db, spool, nil, zap.New(core))

	got := ledger.Record(context.Background(), Entry{Action: ActionInstanceError, Resource: "instance", ResourceID: "i-9"})
	require.NotNil(t, got)

	entries := logs.FilterMessage("审计日志写入失败").All()
	require.Len(t, entries, 1)
	assert.Equal(t, got.ID, entries[0].ContextMap()["id"])
}

func TestLedger_ConcurrentWritesSameResource(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := NewLedger(db, nil, nil, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ledger.Record(context.Background(), Entry{
				Action:     ActionConsentGrant,
				Resource:   "consent_subject",
				ResourceID: "u1",
				Metadata:   map[string]any{"seq": i},
			})
		}(i)
	}
	wg.Wait()

	var count int64
	db.Model(&Entry{}).Where("resource_id = ?", "u1").Count(&count)
	assert.Equal(t, int64(20), count)
}

func seedEntries(t *testing.T, ledger *Ledger, base time.Time) {
	t.Helper()
	rows := []Entry{
		{ActorID: "alice", Action: ActionConsentGrant, Resource: "consent", Timestamp: base.Add(-48 * time.Hour), Success: true},
		{ActorID: "alice", Action: ActionConsentWithdraw, Resource: "consent", Timestamp: base.Add(-47 * time.Hour), Success: true},
		{ActorID: "bob", Action: ActionConsentGrant, Resource: "consent", Timestamp: base.Add(-24 * time.Hour), Success: true},
		{ActorID: "bob", Action: ActionOperationFail, Resource: "operation", Timestamp: base.Add(-1 * time.Hour), Success: false},
	}
	for _, r := range rows {
		ledger.Record(context.Background(), r)
	}
}

func TestLedger_Queries(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := NewLedger(db, nil, nil, zaptest.NewLogger(t))
	now := time.Now().UTC()
	seedEntries(t, ledger, now)
	ctx := context.Background()

	t.Run("按操作人", func(t *testing.T) {
		got, err := ledger.QueryByActor(ctx, "alice", common.DateRange{})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
	})

	t.Run("按事件与时间范围", func(t *testing.T) {
		got, err := ledger.QueryByAction(ctx, ActionConsentGrant, common.DateRange{Start: now.Add(-30 * time.Hour)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "bob", got[0].ActorID)
	})

	t.Run("按事件统计", func(t *testing.T) {
		counts, err := ledger.CountByAction(ctx, common.DateRange{}, ActionConsentGrant, ActionConsentWithdraw)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[ActionConsentGrant])
		assert.Equal(t, int64(1), counts[ActionConsentWithdraw])
	})

	t.Run("按级别统计", func(t *testing.T) {
		bySeverity, failures, err := ledger.CountBySeverity(ctx, common.DateRange{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), failures)
		assert.Equal(t, int64(1), bySeverity[SeverityHigh])
		assert.Equal(t, int64(0), bySeverity[SeverityCritical])
	})
}

func TestExporter(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := NewLedger(db, nil, nil, zaptest.NewLogger(t))
	seedEntries(t, ledger, time.Now().UTC())
	exporter := NewExporter(ledger)
	ctx := context.Background()

	t.Run("CSV", func(t *testing.T) {
		res, err := exporter.Export(ctx, &ExportRequest{Format: FormatCSV, Filter: Filter{ActorID: "alice"}, ActorID: "auditor"})
		require.NoError(t, err)
		records, err := csv.NewReader(bytes.NewReader(res.Data)).ReadAll()
		require.NoError(t, err)
		assert.Len(t, records, 3)
		assert.Equal(t, csvHeader, records[0])
		assert.Equal(t, 2, res.TotalCount)
	})

	t.Run("JSON", func(t *testing.T) {
		res, err := exporter.Export(ctx, &ExportRequest{Format: FormatJSON, Filter: Filter{Action: ActionOperationFail}})
		require.NoError(t, err)
		var env exportEnvelope
		require.NoError(t, json.Unmarshal(res.Data, &env))
		assert.Equal(t, 1, env.TotalCount)
		assert.Equal(t, "bob", env.Entries[0].ActorID)
	})

	t.Run("JSONL gzip", func(t *testing.T) {
		res, err := exporter.Export(ctx, &ExportRequest{Format: FormatJSONLGzip, Filter: Filter{Resource: "consent"}})
		require.NoError(t, err)
		gz, err := gzip.NewReader(bytes.NewReader(res.Data))
		require.NoError(t, err)
		raw, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Equal(t, 3, bytes.Count(raw, []byte("\n")))
	})

	t.Run("导出本身被审计", func(t *testing.T) {
		got, err := ledger.QueryByActor(ctx, "auditor", common.DateRange{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ActionDataExport, got[0].Action)
	})
}

func TestArchiver(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := NewLedger(db, nil, nil, zaptest.NewLogger(t))

	today := truncateDay(time.Now().UTC())
	ledger.Record(context.Background(), Entry{Action: ActionConsentGrant, Resource: "consent", Timestamp: today.AddDate(0, 0, -2).Add(time.Hour)})
	ledger.Record(context.Background(), Entry{Action: ActionConsentGrant, Resource: "consent", Timestamp: today.AddDate(0, 0, -2).Add(2 * time.Hour)})
	ledger.Record(context.Background(), Entry{Action: ActionConsentGrant, Resource: "consent", Timestamp: today.AddDate(0, 0, -1).Add(time.Hour)})
	ledger.Record(context.Background(), Entry{Action: ActionConsentGrant, Resource: "consent", Timestamp: today.Add(time.Minute)})

	archiver := NewArchiver(ledger, ArchiveConfig{ArchivePath: t.TempDir()})

	res, err := archiver.Archive(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.ArchivedFiles, 2)
	assert.Equal(t, int64(3), res.TotalEntries)
	assert.Empty(t, res.Errors)

	archives, err := archiver.ListArchives()
	require.NoError(t, err)
	require.Len(t, archives, 2)

	restored, err := archiver.RestoreArchive(archives[1].Path)
	require.NoError(t, err)
	assert.Len(t, restored, 2, "最早一天的归档包含两条")

	again, err := archiver.Archive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again.ArchivedFiles)
	assert.Equal(t, 2, again.SkippedDays)

	var count int64
	db.Model(&Entry{}).Count(&count)
	assert.Equal(t, int64(4), count, "归档不删除审计表数据")
}
