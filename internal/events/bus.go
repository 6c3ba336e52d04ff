package events

import (
	"log/slog"
	"sync"
	"time"
)

// EventBus 接口
type EventBus interface {
	// 发布事件，非阻塞；缓冲区满时丢弃
	Publish(event Event)

	// 订阅/取消订阅
	Subscribe(name string, subscriber Subscriber)
	Unsubscribe(name string)

	// 启动和停止
	Start() error
	Stop() error

	// 获取统计信息
	GetStats() BusStats
}

// 事件过滤器
type EventFilter struct {
	// 是否分发给订阅者
	ShouldBroadcast func(event Event) bool

	// 数据转换器
	DataTransformer func(event Event) map[string]interface{}

	// 频率限制（防止过度推送）
	RateLimit time.Duration
}

// EventBus 实现
type eventBus struct {
	logger *slog.Logger

	// 事件处理
	eventChan chan Event
	mu        sync.RWMutex // 保护 running 与 eventChan 的关闭
	running   bool
	wg        sync.WaitGroup

	subsMu      sync.RWMutex
	subscribers map[string]Subscriber

	// 过滤和限制
	filters      map[EventType]EventFilter
	rateLimiters map[EventType]*rateLimiter

	// 统计信息
	stats   BusStats
	statsMu sync.RWMutex
}

// 统计信息
type BusStats struct {
	TotalEvents      int64                   `json:"total_events"`
	ProcessedEvents  int64                   `json:"processed_events"`
	DroppedEvents    int64                   `json:"dropped_events"`
	EventsByType     map[EventType]int64     `json:"events_by_type"`
	EventsByPriority map[EventPriority]int64 `json:"events_by_priority"`
	Subscribers      int                     `json:"subscribers"`
	StartTime        time.Time               `json:"start_time"`
}

// 频率限制器
type rateLimiter struct {
	lastTime time.Time
	limit    time.Duration
	mu       sync.Mutex
}

func (rl *rateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastTime) >= rl.limit {
		rl.lastTime = now
		return true
	}
	return false
}

// NewEventBus 创建新的EventBus实例
func NewEventBus(logger *slog.Logger) EventBus {
	return newEventBus(logger, 1000)
}

func newEventBus(logger *slog.Logger, bufferSize int) *eventBus {
	if logger == nil {
		logger = slog.Default()
	}
	bus := &eventBus{
		logger:       logger,
		eventChan:    make(chan Event, bufferSize),
		subscribers:  make(map[string]Subscriber),
		filters:      make(map[EventType]EventFilter),
		rateLimiters: make(map[EventType]*rateLimiter),
		stats: BusStats{
			EventsByType:     make(map[EventType]int64),
			EventsByPriority: make(map[EventPriority]int64),
			StartTime:        time.Now(),
		},
	}
	bus.setupDefaultFilters()
	return bus
}

func passThrough(event Event) map[string]interface{} { return event.Data }

func always(Event) bool { return true }

// 设置默认过滤器
func (eb *eventBus) setupDefaultFilters() {
	// 转发完成事件 - 每个请求一条，不限流
	eb.filters[EventForwardCompleted] = EventFilter{
		ShouldBroadcast: always,
		DataTransformer: passThrough,
	}

	// 熔断器事件 - 关键事件，立即推送
	eb.filters[EventBreakerStateChanged] = EventFilter{
		ShouldBroadcast: always,
		DataTransformer: passThrough,
	}
	eb.filters[EventBreakerReset] = EventFilter{
		ShouldBroadcast: always,
		DataTransformer: passThrough,
	}

	// 系统事件
	eb.filters[EventSystemError] = EventFilter{
		ShouldBroadcast: always,
		DataTransformer: passThrough,
		RateLimit:       time.Second,
	}
	eb.filters[EventConfigChanged] = EventFilter{
		ShouldBroadcast: always,
		DataTransformer: func(event Event) map[string]interface{} {
			data := make(map[string]interface{}, len(event.Data))
			for k, v := range event.Data {
				if k == "auth_token" || k == "password" {
					continue
				}
				data[k] = v
			}
			return data
		},
	}

	for eventType, filter := range eb.filters {
		if filter.RateLimit > 0 {
			eb.rateLimiters[eventType] = &rateLimiter{limit: filter.RateLimit}
		}
	}
}

// Publish 发布事件
func (eb *eventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if !eb.running {
		eb.logger.Debug("EventBus not running, dropping event", "type", event.Type)
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	eb.updateStats(event, "total")

	select {
	case eb.eventChan <- event:
	default:
		eb.updateStats(event, "dropped")
		eb.logger.Warn("EventBus buffer full, dropping event", "type", event.Type, "source", event.Source)
	}
}

// Subscribe registers (or replaces) a named subscriber.
func (eb *eventBus) Subscribe(name string, subscriber Subscriber) {
	eb.subsMu.Lock()
	eb.subscribers[name] = subscriber
	eb.subsMu.Unlock()
	eb.logger.Debug("EventBus subscriber added", "name", name)
}

// Unsubscribe removes a named subscriber.
func (eb *eventBus) Unsubscribe(name string) {
	eb.subsMu.Lock()
	delete(eb.subscribers, name)
	eb.subsMu.Unlock()
}

// Start 启动EventBus
func (eb *eventBus) Start() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.running {
		return nil
	}

	eb.running = true
	eb.wg.Add(1)
	go eb.eventProcessor()

	eb.logger.Info("EventBus started")
	return nil
}

// Stop 停止EventBus，处理完缓冲区中剩余的事件后返回
func (eb *eventBus) Stop() error {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return nil
	}
	eb.running = false
	close(eb.eventChan)
	eb.mu.Unlock()

	eb.wg.Wait()

	eb.logger.Info("EventBus stopped")
	return nil
}

// GetStats 获取统计信息
func (eb *eventBus) GetStats() BusStats {
	eb.statsMu.RLock()
	stats := BusStats{
		TotalEvents:      eb.stats.TotalEvents,
		ProcessedEvents:  eb.stats.ProcessedEvents,
		DroppedEvents:    eb.stats.DroppedEvents,
		EventsByType:     make(map[EventType]int64, len(eb.stats.EventsByType)),
		EventsByPriority: make(map[EventPriority]int64, len(eb.stats.EventsByPriority)),
		StartTime:        eb.stats.StartTime,
	}
	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range eb.stats.EventsByPriority {
		stats.EventsByPriority[k] = v
	}
	eb.statsMu.RUnlock()

	eb.subsMu.RLock()
	stats.Subscribers = len(eb.subscribers)
	eb.subsMu.RUnlock()
	return stats
}

// 事件处理器
func (eb *eventBus) eventProcessor() {
	defer eb.wg.Done()

	eb.logger.Debug("EventBus processor started")
	for event := range eb.eventChan {
		eb.processEvent(event)
	}
	eb.logger.Debug("EventBus processor stopped")
}

// 处理单个事件
func (eb *eventBus) processEvent(event Event) {
	eb.updateStats(event, "processed")

	filter, exists := eb.filters[event.Type]
	if !exists {
		filter = EventFilter{ShouldBroadcast: always, DataTransformer: passThrough}
	}
	if !filter.ShouldBroadcast(event) {
		eb.logger.Debug("Event filtered out", "type", event.Type)
		return
	}
	if limiter, exists := eb.rateLimiters[event.Type]; exists && !limiter.Allow() {
		eb.logger.Debug("Event rate limited", "type", event.Type)
		return
	}

	event.Data = filter.DataTransformer(event)

	eb.subsMu.RLock()
	subs := make([]namedSubscriber, 0, len(eb.subscribers))
	for name, s := range eb.subscribers {
		subs = append(subs, namedSubscriber{name: name, sub: s})
	}
	eb.subsMu.RUnlock()

	for _, s := range subs {
		eb.deliver(s, event)
	}
}

type namedSubscriber struct {
	name string
	sub  Subscriber
}

// deliver isolates subscriber panics from the processor goroutine.
func (eb *eventBus) deliver(s namedSubscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("EventBus subscriber panicked", "name", s.name, "type", event.Type, "panic", r)
		}
	}()
	s.sub.HandleEvent(event)
}

// 更新统计信息
func (eb *eventBus) updateStats(event Event, statType string) {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	switch statType {
	case "total":
		eb.stats.TotalEvents++
		eb.stats.EventsByType[event.Type]++
		eb.stats.EventsByPriority[event.Priority]++
	case "processed":
		eb.stats.ProcessedEvents++
	case "dropped":
		eb.stats.DroppedEvents++
	}
}
