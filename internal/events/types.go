package events

import "time"

// 事件类型枚举
type EventType string

const (
	// 转发事件
	EventForwardCompleted EventType = "forward_completed"

	// 熔断器事件
	EventBreakerStateChanged EventType = "breaker_state_changed"
	EventBreakerReset        EventType = "breaker_reset"

	// 系统级事件
	EventSystemError   EventType = "system_error"
	EventConfigChanged EventType = "config_changed"
)

// 事件优先级
type EventPriority int

const (
	PriorityLow      EventPriority = iota // 批量处理，如统计数据
	PriorityNormal                        // 延迟处理，如请求完成
	PriorityHigh                          // 立即处理，如熔断状态变化
	PriorityCritical                      // 紧急处理，如系统错误
)

// 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // 事件来源组件
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Priority  EventPriority          `json:"priority"`
}

// 前端事件类型映射
var EventTypeMapping = map[EventType]string{
	EventForwardCompleted:    "request",
	EventBreakerStateChanged: "breaker",
	EventBreakerReset:        "breaker",
	EventSystemError:         "status",
	EventConfigChanged:       "config",
}

// FrontendType returns the SSE event name for t, or "message" when unmapped.
func FrontendType(t EventType) string {
	if ft, ok := EventTypeMapping[t]; ok {
		return ft
	}
	return "message"
}
