package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrClosed 表示存储已关闭。
var ErrClosed = errors.New("state: store closed")

// envelope 为落盘文档的统一外壳，带有模式版本号。
type envelope[T any] struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Data      T         `json:"data"`
}

// Store 将某一状态文档的全部读写收敛到单一goroutine（actor），
// 文件持久化作为落盘层：每次变更原子写入（临时文件+rename）。
type Store[T any] struct {
	path    string
	version int

	mu      sync.RWMutex
	closing bool
	ops     chan storeOp[T]
	closed  chan struct{}
}

type storeOp[T any] struct {
	fn    func(*T) bool
	reply chan error
}

// NewStore 打开（或初始化）一个状态文档并启动其owner goroutine。
// 文件不存在或版本不匹配时使用 init 作为起始状态；损坏的文件同样
// 以 init 重建，不让历史脏数据阻塞启动。
func NewStore[T any](path string, version int, init T) (*Store[T], error) {
	data := init

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var env envelope[T]
		if jsonErr := json.Unmarshal(raw, &env); jsonErr == nil && env.Version == version {
			data = env.Data
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("state: 读取 %q 失败: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("state: 创建目录失败: %w", err)
	}

	s := &Store[T]{
		path:    path,
		version: version,
		ops:     make(chan storeOp[T]),
		closed:  make(chan struct{}),
	}

	go s.loop(data)
	return s, nil
}

func (s *Store[T]) loop(data T) {
	for op := range s.ops {
		dirty := op.fn(&data)
		var err error
		if dirty {
			err = WriteJSON(s.path, envelope[T]{
				Version:   s.version,
				UpdatedAt: time.Now().UTC(),
				Data:      data,
			})
		}
		op.reply <- err
	}
	close(s.closed)
}

// Update 在owner goroutine 内执行变更并立即落盘。
func (s *Store[T]) Update(ctx context.Context, fn func(*T)) error {
	return s.do(ctx, func(data *T) bool {
		fn(data)
		return true
	})
}

// View 在owner goroutine 内执行只读访问。
func (s *Store[T]) View(ctx context.Context, fn func(T)) error {
	return s.do(ctx, func(data *T) bool {
		fn(*data)
		return false
	})
}

func (s *Store[T]) do(ctx context.Context, fn func(*T) bool) error {
	op := storeOp[T]{fn: fn, reply: make(chan error, 1)}

	// 读锁确保 ops 不会在入队期间被 Close 关闭。
	s.mu.RLock()
	if s.closing {
		s.mu.RUnlock()
		return ErrClosed
	}

	select {
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	case s.ops <- op:
	}
	s.mu.RUnlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-op.reply:
		return err
	}
}

// Close 停止owner goroutine。重复关闭无害，关闭后的调用返回 ErrClosed。
func (s *Store[T]) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		<-s.closed
		return
	}
	s.closing = true
	close(s.ops)
	s.mu.Unlock()
	<-s.closed
}

// WriteJSON 原子写入 JSON 文件：先写临时文件再 rename。
func WriteJSON(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("state: 序列化失败: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("state: 创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: 写入临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: 关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: 原子替换 %q 失败: %w", path, err)
	}

	return nil
}
