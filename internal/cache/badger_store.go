package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	badgerMetaPrefix = "m/"
	badgerBodyPrefix = "b/"
)

// BadgerOptions 控制嵌入式 badger 后端。InMemory 主要用于测试。
type BadgerOptions struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *logrus.Logger
}

// BadgerStore 把元信息与正文放在同一个事务中写入，提交即原子可见。
// 适合大量中小文件的场景；超大制品建议使用文件系统后端。
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger 打开（或创建）badger 数据库。
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("storage path required")
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(opts.Logger)
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", ErrStorageUnavailable, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close 关闭数据库，之后的调用都会返回 ErrStorageUnavailable。
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Get(ctx context.Context, key Key) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		entry Entry
		body  []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return err
		}
		item, err = txn.Get(bodyKey(key))
		if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, badgerError(err)
	}
	if int64(len(body)) != entry.SizeBytes {
		return nil, ErrNotFound
	}
	return &ReadResult{
		Entry:  entry,
		Reader: io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func (s *BadgerStore) Put(ctx context.Context, entry Entry, body io.Reader) (*Entry, error) {
	if entry.Key == "" {
		return nil, ErrInvalidKey
	}
	var buf bytes.Buffer
	if entry.SizeBytes > 0 {
		buf.Grow(int(entry.SizeBytes))
	}
	written, err := writeBody(ctx, &buf, body, entry)
	if err != nil {
		return nil, err
	}

	entry.SizeBytes = written
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(bodyKey(entry.Key), buf.Bytes()); err != nil {
			return err
		}
		return txn.Set(metaKey(entry.Key), meta)
	})
	if err != nil {
		return nil, badgerError(err)
	}
	return &entry, nil
}

func (s *BadgerStore) Delete(ctx context.Context, key Key) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(metaKey(key)); err != nil {
			return err
		}
		return txn.Delete(bodyKey(key))
	})
	return badgerError(err)
}

func (s *BadgerStore) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerMetaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, badgerError(err)
	}
	sortEntries(entries)
	return entries, nil
}

func metaKey(key Key) []byte {
	return []byte(badgerMetaPrefix + string(key))
}

func bodyKey(key Key) []byte {
	return []byte(badgerBodyPrefix + string(key))
}

func badgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return classify(err)
}
