package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSpool = []byte("audit_spool")

// Spool 数据库不可用时的审计兜底存储
type Spool interface {
	Append(entry *Entry) error
	// Drain 按写入顺序回放，fn 返回错误时停止，已成功的条目会被移除
	Drain(fn func(*Entry) error) (int, error)
	Len() (int, error)
	Close() error
}

// BoltSpool 基于 bbolt 的本地兜底文件
type BoltSpool struct {
	db *bolt.DB
}

// OpenBoltSpool 打开（或创建）兜底文件
func OpenBoltSpool(path string) (*BoltSpool, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建兜底目录失败: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开审计兜底文件失败: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSpool)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建兜底 bucket 失败: %w", err)
	}
	return &BoltSpool{db: db}, nil
}

// Append 追加一条审计条目，key 为自增序号保证顺序
func (s *BoltSpool) Append(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpool)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// Drain 回放兜底条目
func (s *BoltSpool) Drain(fn func(*Entry) error) (int, error) {
	drained := 0
	var fnErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpool)
		var done [][]byte

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				// 无法解析的条目直接丢弃，避免阻塞后续回放
				done = append(done, append([]byte(nil), k...))
				continue
			}
			if err := fn(&entry); err != nil {
				fnErr = err
				break
			}
			done = append(done, append([]byte(nil), k...))
			drained++
		}

		for _, k := range done {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return drained, fnErr
}

// Len 兜底条目数量
func (s *BoltSpool) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketSpool).Stats().KeyN
		return nil
	})
	return n, err
}

// Close 关闭文件
func (s *BoltSpool) Close() error {
	return s.db.Close()
}
