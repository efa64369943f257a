package conn

import (
	"sync"
	"time"

	"github.com/BetaCatPro/wsevent/pkg/types"
)

// HeartbeatMonitor 心跳记账：发送间隔可在运行中调整
//
// 显式配置的超时阈值保持固定；timeout<=0 时阈值为当前间隔的
// types.HeartbeatTimeoutFactor 倍，pong 调大间隔后不会误判超时。
type HeartbeatMonitor struct {
	mu          sync.Mutex
	interval    time.Duration // 当前ping间隔（服务端下发）
	timeout     time.Duration // 心跳超时阈值，<=0 表示随间隔推导
	lastPing    time.Time     // 上次发送ping的时间
	lastInbound time.Time     // 上次收到ping/pong的时间
}

// NewHeartbeatMonitor 创建心跳监控，now 作为两个计时的起点
func NewHeartbeatMonitor(interval, timeout time.Duration, now time.Time) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		interval:    interval,
		timeout:     timeout,
		lastPing:    now,
		lastInbound: now,
	}
}

// Interval 当前ping间隔
func (h *HeartbeatMonitor) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// PingSent 记录一次ping，返回下次ping的等待时长
func (h *HeartbeatMonitor) PingSent(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastPing = now
	return h.interval
}

// Inbound 记录收到ping/pong
func (h *HeartbeatMonitor) Inbound(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.After(h.lastInbound) {
		h.lastInbound = now
	}
}

// NextPing 距离下次ping的剩余时长
func (h *HeartbeatMonitor) NextPing(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remaining(now)
}

// SetInterval 更新ping间隔并返回重新计算的等待时长；已经流逝的时间计入新间隔
func (h *HeartbeatMonitor) SetInterval(interval time.Duration, now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if interval > 0 {
		h.interval = interval
	}
	return h.remaining(now)
}

// Timeout 当前生效的超时阈值
func (h *HeartbeatMonitor) Timeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.effectiveTimeout()
}

// Stale 距上次收到ping/pong是否超过超时阈值
func (h *HeartbeatMonitor) Stale(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	timeout := h.effectiveTimeout()
	return timeout > 0 && now.Sub(h.lastInbound) > timeout
}

func (h *HeartbeatMonitor) effectiveTimeout() time.Duration {
	if h.timeout > 0 {
		return h.timeout
	}
	return types.HeartbeatTimeoutFactor * h.interval
}

// SinceInbound 距上次收到ping/pong的时长
func (h *HeartbeatMonitor) SinceInbound(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Sub(h.lastInbound)
}

func (h *HeartbeatMonitor) remaining(now time.Time) time.Duration {
	d := h.interval - now.Sub(h.lastPing)
	if d < 0 {
		return 0
	}
	return d
}

// resetTimer 停止并清空定时器后重新设置
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
