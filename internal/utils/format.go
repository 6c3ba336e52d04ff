// Package utils 提供通用的工具函数
package utils

import (
	"fmt"
	"math"
	"time"
)

// FormatResponseTime 友好格式化响应时间显示
// 用法: utils.FormatResponseTime(duration)
func FormatResponseTime(duration time.Duration) string {
	if duration == 0 {
		return "0ms"
	}

	ms := float64(duration.Nanoseconds()) / 1e6
	switch {
	case ms < 1:
		us := float64(duration.Nanoseconds()) / 1e3
		if us < 1 {
			return "< 1μs"
		}
		return fmt.Sprintf("%.0fμs", us)
	case ms < 1000:
		return fmt.Sprintf("%.0fms", ms)
	case ms < 60000:
		seconds := ms / 1000
		if seconds < 10 {
			return fmt.Sprintf("%.1fs", seconds)
		}
		return fmt.Sprintf("%.0fs", seconds)
	default:
		minutes := int(ms / 60000)
		seconds := (ms - float64(minutes*60000)) / 1000
		return fmt.Sprintf("%dm%.0fs", minutes, seconds)
	}
}

// RetryAfterSeconds 将等待时间转换为 Retry-After 头使用的整秒数（向上取整，至少为1）
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// FormatPercentage 格式化百分比显示
// 用法: utils.FormatPercentage(value, total)
func FormatPercentage(value, total int64) string {
	if total == 0 {
		return "0.0%"
	}
	percentage := float64(value) / float64(total) * 100
	return fmt.Sprintf("%.1f%%", percentage)
}
