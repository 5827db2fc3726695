package upstream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/BaSui01/routecodex/types"
)

// =============================================================================
// ⏱️ 流式空闲看门狗
// =============================================================================

// idleReader 包装 SSE 字节源：两次成功读取之间超过 idle 窗口就
// 关闭底层连接，把挂死的流转换成可分类的 ENET 错误。
type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	cancel  context.CancelFunc

	mu       sync.Mutex
	timer    *time.Timer
	timedOut bool
	closed   bool

	providerKey string
}

// newIdleReader 创建看门狗。cancel 在流结束时释放请求 ctx。
func newIdleReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc, providerKey string) *idleReader {
	r := &idleReader{rc: rc, timeout: timeout, cancel: cancel, providerKey: providerKey}
	r.timer = time.AfterFunc(timeout, r.kill)
	return r
}

func (r *idleReader) kill() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.timedOut = true
	r.mu.Unlock()
	_ = r.rc.Close()
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)

	r.mu.Lock()
	timedOut := r.timedOut
	if !timedOut && !r.closed && err == nil {
		r.timer.Reset(r.timeout)
	}
	r.mu.Unlock()

	if err != nil && timedOut {
		return n, types.NewError(types.SeriesENET, types.CodeStreamIdleTimeout,
			"upstream stream idle timeout").
			WithKind(types.KindUpstreamUnavailable).
			WithProviderKey(r.providerKey).
			WithCause(err)
	}
	// 正常结束之外的读失败（连接腰斩、取消）归一成枚举化 ENET 码，
	// 让上层能直接把错误提交给配额中心
	if err != nil && err != io.EOF {
		return n, mapTransportError(err, r.providerKey)
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.timer.Stop()
	r.mu.Unlock()

	err := r.rc.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}
