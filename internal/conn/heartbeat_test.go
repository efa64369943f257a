package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatPingCadence(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	h := NewHeartbeatMonitor(30*time.Second, 2*time.Minute, start)

	assert.Equal(t, 30*time.Second, h.NextPing(start))
	assert.Equal(t, 20*time.Second, h.NextPing(start.Add(10*time.Second)))
	assert.Equal(t, time.Duration(0), h.NextPing(start.Add(45*time.Second)))

	assert.Equal(t, 30*time.Second, h.PingSent(start.Add(30*time.Second)))
	assert.Equal(t, 30*time.Second, h.NextPing(start.Add(30*time.Second)))
}

func TestHeartbeatSetIntervalKeepsElapsedTime(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	h := NewHeartbeatMonitor(30*time.Second, 2*time.Minute, start)
	h.PingSent(start)

	// 10秒后收到 pong，间隔改为15秒：剩余5秒
	assert.Equal(t, 5*time.Second, h.SetInterval(15*time.Second, start.Add(10*time.Second)))
	assert.Equal(t, 15*time.Second, h.Interval())

	// 已经超过新间隔时立即发送
	assert.Equal(t, time.Duration(0), h.SetInterval(5*time.Second, start.Add(12*time.Second)))

	// 非正值不修改间隔
	h.SetInterval(0, start.Add(12*time.Second))
	assert.Equal(t, 5*time.Second, h.Interval())

	assert.Equal(t, 15*time.Second, h.SetInterval(15*time.Second, start))
}

func TestHeartbeatStaleness(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	h := NewHeartbeatMonitor(30*time.Second, time.Minute, start)

	assert.False(t, h.Stale(start.Add(time.Minute)))
	assert.True(t, h.Stale(start.Add(time.Minute+time.Millisecond)))

	h.Inbound(start.Add(50 * time.Second))
	assert.False(t, h.Stale(start.Add(100*time.Second)))
	assert.Equal(t, 50*time.Second, h.SinceInbound(start.Add(100*time.Second)))

	// 乱序的旧时间戳不会回退
	h.Inbound(start)
	assert.Equal(t, 50*time.Second, h.SinceInbound(start.Add(100*time.Second)))

	// 发送 ping 不刷新入站时间
	h.PingSent(start.Add(110 * time.Second))
	assert.True(t, h.Stale(start.Add(111*time.Second)))
}

func TestHeartbeatDerivedTimeoutFollowsInterval(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	h := NewHeartbeatMonitor(120*time.Second, 0, start)
	assert.Equal(t, 360*time.Second, h.Timeout())

	// pong 将间隔调到400秒，一个完整间隔内没有入站不算超时
	h.SetInterval(400*time.Second, start)
	assert.Equal(t, 1200*time.Second, h.Timeout())
	assert.False(t, h.Stale(start.Add(401*time.Second)))
	assert.True(t, h.Stale(start.Add(1201*time.Second)))

	// 显式阈值不随间隔变化
	fixed := NewHeartbeatMonitor(120*time.Second, time.Minute, start)
	fixed.SetInterval(400*time.Second, start)
	assert.Equal(t, time.Minute, fixed.Timeout())
}

func TestResetTimer(t *testing.T) {
	timer := time.NewTimer(time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	resetTimer(timer, time.Hour)
	select {
	case <-timer.C:
		t.Fatal("stale tick must be drained")
	default:
	}
	timer.Stop()
}
