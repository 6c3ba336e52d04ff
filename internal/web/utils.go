package web

import (
	"fmt"
	"time"
)

// formatUptime 格式化运行时间为人性化显示
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%d天 %d小时 %d分钟", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%d小时 %d分钟", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%d分钟 %d秒", minutes, seconds)
	default:
		return fmt.Sprintf("%d秒", seconds)
	}
}

// parseTimeString parses time string in various formats
func parseTimeString(timeStr string, loc *time.Location) (time.Time, error) {
	timeFormats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"2006/01/02",
		"2006/01/02 15:04:05",
	}
	if loc == nil {
		loc = time.Local
	}
	for _, format := range timeFormats {
		if parsed, err := time.ParseInLocation(format, timeStr, loc); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %s", timeStr)
}
