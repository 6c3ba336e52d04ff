package tui

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ebay-forwarder/internal/breaker"
	"ebay-forwarder/internal/events"
	"ebay-forwarder/internal/monitor"
)

func TestRenderBreaker(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	out := renderBreaker(breaker.Snapshot{State: breaker.StateOpen, StateName: "OPEN", FailureCount: 5, OpenUntil: now.Add(42 * time.Second)}, now)
	assert.Contains(t, out, "[red::b]OPEN")
	assert.Contains(t, out, "连续失败: 5")
	assert.Contains(t, out, "42s")

	out = renderBreaker(breaker.Snapshot{State: breaker.StateHalfOpen, StateName: "HALF_OPEN", ProbeActive: true}, now)
	assert.Contains(t, out, "[yellow::b]HALF_OPEN")
	assert.Contains(t, out, "探测请求进行中")
}

func TestRenderStats(t *testing.T) {
	out := renderStats(monitor.Snapshot{
		TotalRequests:      4,
		SuccessfulRequests: 3,
		FailedRequests:     1,
		Outcomes:           map[string]int64{"success": 3, "exhausted": 1},
		TotalAttempts:      7,
		Retries:            3,
	})
	assert.Contains(t, out, "总请求: 4")
	assert.Contains(t, out, "75.0%")
	assert.Contains(t, out, "重试: 3")
	assert.Contains(t, out, "exhausted: 1")
	assert.NotContains(t, out, "circuit_open")
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	line := formatEvent(events.Event{
		Type:      events.EventForwardCompleted,
		Timestamp: at,
		Data: map[string]interface{}{
			"method": "GET", "host": "api.ebay.com", "path": "/sell/account/v1/privilege",
			"status_code": 200, "outcome": "success", "attempts": 2,
		},
	})
	assert.Contains(t, line, "09:30:00")
	assert.Contains(t, line, "GET api.ebay.com/sell/account/v1/privilege → 200 (success, 尝试 2)")

	line = formatEvent(events.Event{Type: events.EventBreakerStateChanged, Timestamp: at, Data: map[string]interface{}{"from": "CLOSED", "to": "OPEN"}})
	assert.Contains(t, line, "熔断器 CLOSED → OPEN")
}

func TestLogAndEventBuffersAreCapped(t *testing.T) {
	app := NewTUIApp(nil, Deps{}, time.Now(), "config.yaml")
	for i := 0; i < maxLogLines+10; i++ {
		app.AddLog("INFO", fmt.Sprintf("line %d", i), "")
	}
	for i := 0; i < maxEventLines+5; i++ {
		app.HandleEvent(events.Event{Type: events.EventConfigChanged})
	}

	app.mu.Lock()
	defer app.mu.Unlock()
	assert.Len(t, app.logs, maxLogLines)
	assert.Contains(t, app.logs[0], "line 10")
	assert.Len(t, app.events, maxEventLines)
}

func TestLevelTag(t *testing.T) {
	assert.Equal(t, "[red]ERROR[-]", levelTag("error"))
	assert.Equal(t, "[yellow]WARN[-]", levelTag("WARN"))
	assert.Equal(t, "[green]INFO[-]", levelTag("whatever"))
}
