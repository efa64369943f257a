package conn

import (
	"context"
	"fmt"
	"time"

	"github.com/BetaCatPro/wsevent/internal/errors"
	"github.com/BetaCatPro/wsevent/internal/utils"
	"github.com/BetaCatPro/wsevent/pkg/types"
)

// ReconnectPolicy 按服务端下发的参数决定重连节奏
//
// 第一次重连前随机等待 [0, ReconnectNonce]，之后每次等待 ReconnectInterval；
// ReconnectCount 为负数时不限次数。
type ReconnectPolicy struct {
	jitter func(max time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewReconnectPolicy 创建重连策略
func NewReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{
		jitter: utils.Jitter,
		sleep:  sleepContext,
	}
}

// Delay 计算第 attempt 次（从1开始）重连前的等待；超过次数上限时返回 ErrMaxReconnect
func (p *ReconnectPolicy) Delay(cc types.ClientConfig, attempt int) (time.Duration, error) {
	if attempt < 1 {
		attempt = 1
	}
	if cc.ReconnectCount >= 0 && attempt > cc.ReconnectCount {
		return 0, fmt.Errorf("%w: %d attempts", errors.ErrMaxReconnect, cc.ReconnectCount)
	}
	if attempt == 1 {
		return p.jitter(cc.ReconnectJitter()), nil
	}
	return cc.ReconnectPeriod(), nil
}

// Wait 等待第 attempt 次重连的时机，ctx 取消时提前返回
func (p *ReconnectPolicy) Wait(ctx context.Context, cc types.ClientConfig, attempt int) error {
	d, err := p.Delay(cc, attempt)
	if err != nil {
		return err
	}
	return p.sleep(ctx, d)
}

// sleepContext 可被 ctx 打断的等待
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
