package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Clock 提供当前时间和可取消的等待，测试中替换为假时钟
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// JitterSource 返回 [0,1) 区间的随机数
type JitterSource func() float64

// RealClock uses the wall clock and a timer for Sleep.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Sleep blocks for d or until ctx is done, whichever comes first.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DefaultJitter draws from math/rand/v2's global source.
func DefaultJitter() float64 {
	return rand.Float64()
}
