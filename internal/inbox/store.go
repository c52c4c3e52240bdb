package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChangeFunc computes the snapshot to save from the latest persisted one.
// ok is false when nothing has been stored yet. Returning an error aborts
// the save. It may run more than once.
type ChangeFunc func(cur Snapshot, ok bool) (Snapshot, error)

// Store persists a single snapshot shared by every process using the same
// location. Load reports false when nothing has been stored yet. Update
// runs fn against the latest persisted snapshot and saves its result with
// no other writer in between.
type Store interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Update(ctx context.Context, fn ChangeFunc) error
}

const (
	lockRetry = 10 * time.Millisecond
	// a lock older than this was left by a process that died holding it
	staleLock = 30 * time.Second

	maxTxRetries = 16
)

// FileStore keeps the snapshot in dir/CacheKey.json. Writers serialize on
// an exclusive lock file next to it.
type FileStore struct {
	path string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, CacheKey+".json")}
}

func (fs *FileStore) Load(ctx context.Context) (Snapshot, bool, error) {
	b, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	s, err := DecodeSnapshot(b)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

func (fs *FileStore) Update(ctx context.Context, fn ChangeFunc) error {
	unlock, err := fs.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	cur, ok, err := fs.Load(ctx)
	if err != nil {
		return err
	}
	next, err := fn(cur, ok)
	if err != nil {
		return err
	}
	return fs.Save(ctx, next)
}

func (fs *FileStore) lock(ctx context.Context) (func(), error) {
	lockPath := fs.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o700); err != nil {
		return nil, err
	}

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock inbox cache: %w", err)
		}

		if info, err := os.Stat(lockPath); err == nil && time.Since(info.ModTime()) > staleLock {
			os.Remove(lockPath)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock inbox cache: %w", ctx.Err())
		case <-time.After(lockRetry):
		}
	}
}

// Save writes to a temporary file and renames it over the old snapshot so a
// crash never leaves a torn blob behind.
func (fs *FileStore) Save(ctx context.Context, s Snapshot) error {
	b, err := EncodeSnapshot(s)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fs.path), 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.path), CacheKey+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), fs.path)
}

// RedisStore keeps the snapshot under CacheKey, optionally namespaced per
// user so several clients can share one server.
type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(rdb *redis.Client, namespace string) *RedisStore {
	key := CacheKey
	if namespace != "" {
		key = namespace + ":" + CacheKey
	}
	return &RedisStore{rdb: rdb, key: key}
}

func (rs *RedisStore) Load(ctx context.Context) (Snapshot, bool, error) {
	b, err := rs.rdb.Get(ctx, rs.key).Bytes()
	if err == redis.Nil {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	s, err := DecodeSnapshot(b)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

// Update watches the key and retries when another client wrote it between
// the read and the transaction.
func (rs *RedisStore) Update(ctx context.Context, fn ChangeFunc) error {
	txf := func(tx *redis.Tx) error {
		var (
			cur Snapshot
			ok  bool
		)
		b, err := tx.Get(ctx, rs.key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			if cur, err = DecodeSnapshot(b); err != nil {
				return err
			}
			ok = true
		}

		next, err := fn(cur, ok)
		if err != nil {
			return err
		}
		enc, err := EncodeSnapshot(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rs.key, enc, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := rs.rdb.Watch(ctx, txf, rs.key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("update %s: %w", rs.key, redis.TxFailedErr)
}

func (rs *RedisStore) Save(ctx context.Context, s Snapshot) error {
	b, err := EncodeSnapshot(s)
	if err != nil {
		return err
	}
	return rs.rdb.Set(ctx, rs.key, b, 0).Err()
}
