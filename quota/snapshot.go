package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 💾 StateSnapshot — 配额状态持久化
// =============================================================================

const (
	snapshotVersion  = 1
	snapshotFileName = "provider-quota.json"
	errorLogFileName = "provider-errors.ndjson"
)

// ErrSnapshotCorrupt 表示快照文件存在但无法解析。启动时遇到该错误
// 应拒绝启动（退出码 10），避免凭空恢复出错误的配额资格。
var ErrSnapshotCorrupt = errors.New("quota snapshot is corrupt")

// Snapshot 是落盘的快照结构。
type Snapshot struct {
	Version   int               `json:"version"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Providers map[string]*State `json:"providers"`
}

// SnapshotStore 负责快照文件与追加式错误日志。
type SnapshotStore struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	errFile *os.File
}

// NewSnapshotStore 创建持久化存储，dir 为 <userDir>/quota。
func NewSnapshotStore(dir string, logger *zap.Logger) *SnapshotStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotStore{dir: dir, logger: logger}
}

// SnapshotPath 返回快照文件路径。
func (s *SnapshotStore) SnapshotPath() string {
	return filepath.Join(s.dir, snapshotFileName)
}

// ErrorLogPath 返回 NDJSON 错误日志路径。
func (s *SnapshotStore) ErrorLogPath() string {
	return filepath.Join(s.dir, errorLogFileName)
}

// Save 以写临时文件再原子改名的方式落盘快照。
func (s *SnapshotStore) Save(states map[string]*State) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create quota dir: %w", err)
	}

	snap := Snapshot{
		Version:   snapshotVersion,
		UpdatedAt: time.Now(),
		Providers: states,
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal quota snapshot: %w", err)
	}

	tmp := s.SnapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write quota snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.SnapshotPath()); err != nil {
		return fmt.Errorf("rename quota snapshot: %w", err)
	}
	return nil
}

// Load 读取快照。文件不存在返回 (nil, nil)；存在但损坏返回
// ErrSnapshotCorrupt。
func (s *SnapshotStore) Load() (map[string]*State, error) {
	data, err := os.ReadFile(s.SnapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read quota snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, snap.Version)
	}
	if snap.Providers == nil {
		snap.Providers = map[string]*State{}
	}
	return snap.Providers, nil
}

// AppendError 追加一行 NDJSON 错误记录。日志失败不影响主链路，
// 只记 warning。
func (s *SnapshotStore) AppendError(rec ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.errFile == nil {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			s.logger.Warn("create quota dir for error log failed", zap.Error(err))
			return
		}
		f, err := os.OpenFile(s.ErrorLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.logger.Warn("open provider error log failed", zap.Error(err))
			return
		}
		s.errFile = f
	}

	line, err := json.Marshal(&rec)
	if err != nil {
		s.logger.Warn("marshal provider error record failed", zap.Error(err))
		return
	}
	line = append(line, '\n')
	if _, err := s.errFile.Write(line); err != nil {
		s.logger.Warn("append provider error record failed", zap.Error(err))
	}
}

// Close 关闭错误日志句柄。
func (s *SnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errFile != nil {
		err := s.errFile.Close()
		s.errFile = nil
		return err
	}
	return nil
}

// SnapshotRunner 周期性落盘 Center 状态，并在关停时做最后一次落盘。
type SnapshotRunner struct {
	center   *Center
	store    *SnapshotStore
	interval time.Duration
	logger   *zap.Logger
}

// NewSnapshotRunner 创建周期落盘器（interval 默认 5 秒）。
func NewSnapshotRunner(center *Center, store *SnapshotStore, interval time.Duration, logger *zap.Logger) *SnapshotRunner {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotRunner{center: center, store: store, interval: interval, logger: logger}
}

// Run 周期落盘直到 ctx 取消；返回前做最后一次落盘。
func (r *SnapshotRunner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *SnapshotRunner) flush() {
	if err := r.store.Save(r.center.Summary()); err != nil {
		r.logger.Warn("quota snapshot flush failed", zap.Error(err))
	}
}
