package utils

import (
	"math/rand"
	"sync"
	"time"
)

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// CalculateBackoff 计算第 attempt 次（从1开始）重试前的等待：base*2^(attempt-1)，不超过 max
func CalculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 1 {
		return capDuration(base, max)
	}
	wait := base
	for i := 1; i < attempt; i++ {
		// 溢出前截断
		if max > 0 && wait >= max {
			return max
		}
		if wait > time.Duration(1<<62) {
			return capDuration(wait, max)
		}
		wait *= 2
	}
	return capDuration(wait, max)
}

func capDuration(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// Jitter 返回 [0, max] 内的随机时长
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	rndMu.Lock()
	defer rndMu.Unlock()
	return time.Duration(rnd.Int63n(int64(max) + 1))
}
