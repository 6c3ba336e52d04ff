package tui

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"ebay-forwarder/config"
	"ebay-forwarder/internal/breaker"
	"ebay-forwarder/internal/events"
	"ebay-forwarder/internal/monitor"
	"ebay-forwarder/internal/utils"
)

const (
	maxLogLines   = 200
	maxEventLines = 50
)

// Deps 仪表盘读取的运行时组件
type Deps struct {
	Breaker  *breaker.Breaker
	Metrics  *monitor.Metrics
	EventBus events.EventBus
}

// TUIApp 终端监控界面
type TUIApp struct {
	app        *tview.Application
	header     *tview.TextView
	breakerBox *tview.TextView
	statsBox   *tview.TextView
	eventsBox  *tview.TextView
	logBox     *tview.TextView

	deps       Deps
	cfg        atomic.Pointer[config.Config]
	startTime  time.Time
	configPath string

	mu      sync.Mutex
	logs    []string
	events  []string
	running atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
}

// NewTUIApp creates the dashboard. Run starts it.
func NewTUIApp(cfg *config.Config, deps Deps, startTime time.Time, configPath string) *TUIApp {
	t := &TUIApp{
		app:        tview.NewApplication(),
		header:     tview.NewTextView().SetDynamicColors(true),
		breakerBox: tview.NewTextView().SetDynamicColors(true),
		statsBox:   tview.NewTextView().SetDynamicColors(true),
		eventsBox:  tview.NewTextView().SetDynamicColors(true),
		logBox:     tview.NewTextView().SetDynamicColors(true).SetScrollable(true),
		deps:       deps,
		startTime:  startTime,
		configPath: configPath,
		stopCh:     make(chan struct{}),
	}
	if cfg == nil {
		cfg = config.Default()
	}
	t.cfg.Store(cfg)

	t.breakerBox.SetBorder(true).SetTitle(" 熔断器 ")
	t.statsBox.SetBorder(true).SetTitle(" 转发统计 ")
	t.eventsBox.SetBorder(true).SetTitle(" 最近事件 ")
	t.logBox.SetBorder(true).SetTitle(" 日志 ")

	top := tview.NewFlex().
		AddItem(t.breakerBox, 0, 1, false).
		AddItem(t.statsBox, 0, 2, false).
		AddItem(t.eventsBox, 0, 2, false)
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(t.header, 1, 0, false).
		AddItem(top, 12, 0, false).
		AddItem(t.logBox, 0, 1, true)

	t.app.SetRoot(layout, true).SetInputCapture(t.handleKey)
	return t
}

// Run blocks until the user quits or Stop is called.
func (t *TUIApp) Run() error {
	if t.deps.EventBus != nil {
		t.deps.EventBus.Subscribe("tui", t)
		defer t.deps.EventBus.Unsubscribe("tui")
	}

	t.running.Store(true)
	defer t.running.Store(false)

	t.refresh()
	go t.refreshLoop()
	return t.app.Run()
}

// Stop 停止界面
func (t *TUIApp) Stop() {
	t.stopped.Do(func() {
		close(t.stopCh)
		t.app.Stop()
	})
}

// UpdateConfig 配置重载
func (t *TUIApp) UpdateConfig(cfg *config.Config) {
	if cfg != nil {
		t.cfg.Store(cfg)
	}
}

// AddLog 实现 logging.LogSink
func (t *TUIApp) AddLog(level, message, source string) {
	line := fmt.Sprintf("[gray]%s[-] %s %s", time.Now().Format("15:04:05"), levelTag(level), tview.Escape(message))
	if source != "" {
		line += " [gray](" + source + ")[-]"
	}
	t.mu.Lock()
	t.logs = appendCapped(t.logs, line, maxLogLines)
	t.mu.Unlock()
	t.queueRedraw()
}

// HandleEvent 实现 events.Subscriber
func (t *TUIApp) HandleEvent(event events.Event) {
	line := formatEvent(event)
	t.mu.Lock()
	t.events = appendCapped(t.events, line, maxEventLines)
	t.mu.Unlock()
	t.queueRedraw()
}

func (t *TUIApp) handleKey(ev *tcell.EventKey) *tcell.EventKey {
	switch {
	case ev.Key() == tcell.KeyCtrlC, ev.Rune() == 'q':
		t.Stop()
		return nil
	case ev.Rune() == 'r':
		if t.deps.Breaker != nil {
			t.deps.Breaker.Reset()
			slog.Warn("🔧 熔断器已通过TUI手动重置")
		}
		return nil
	}
	return ev
}

func (t *TUIApp) refreshLoop() {
	interval := t.cfg.Load().TUI.UpdateInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.app.QueueUpdateDraw(t.refresh)
		case <-t.stopCh:
			return
		}
	}
}

func (t *TUIApp) queueRedraw() {
	if t.running.Load() {
		go t.app.QueueUpdateDraw(t.refreshText)
	}
}

// refresh must run on the tview goroutine once the app is running.
func (t *TUIApp) refresh() {
	cfg := t.cfg.Load()
	t.header.SetText(fmt.Sprintf("[::b]eBay Forwarder[::-]  %s:%d  运行: %s  配置: %s  [gray](q 退出, r 重置熔断器)[-]",
		cfg.Server.Host, cfg.Server.Port, time.Since(t.startTime).Truncate(time.Second), t.configPath))

	if t.deps.Breaker != nil {
		snap := t.deps.Breaker.Snapshot()
		t.breakerBox.SetText(renderBreaker(snap, time.Now()))
		t.breakerBox.SetBorderColor(breakerColor(snap.State))
	}
	if t.deps.Metrics != nil {
		t.statsBox.SetText(renderStats(t.deps.Metrics.Snapshot()))
	} else {
		t.statsBox.SetText("[gray]指标未启用[-]")
	}
	t.refreshText()
}

func (t *TUIApp) refreshText() {
	t.mu.Lock()
	logs := strings.Join(t.logs, "\n")
	evts := strings.Join(t.events, "\n")
	t.mu.Unlock()

	t.logBox.SetText(logs)
	t.logBox.ScrollToEnd()
	t.eventsBox.SetText(evts)
	t.eventsBox.ScrollToEnd()
}

func renderBreaker(snap breaker.Snapshot, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "状态: [%s::b]%s[-::-]\n", colorName(snap.State), snap.StateName)
	fmt.Fprintf(&b, "连续失败: %d\n", snap.FailureCount)
	if snap.State == breaker.StateOpen && snap.OpenUntil.After(now) {
		fmt.Fprintf(&b, "恢复探测: %ds 后\n", utils.RetryAfterSeconds(snap.OpenUntil.Sub(now)))
	}
	if snap.ProbeActive {
		b.WriteString("探测请求进行中\n")
	}
	return b.String()
}

func renderStats(s monitor.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "总请求: %d  成功: [green]%d[-]  失败: [red]%d[-]\n", s.TotalRequests, s.SuccessfulRequests, s.FailedRequests)
	fmt.Fprintf(&b, "成功率: %s\n", utils.FormatPercentage(s.SuccessfulRequests, s.TotalRequests))
	fmt.Fprintf(&b, "尝试: %d  重试: %d  熔断次数: %d\n", s.TotalAttempts, s.Retries, s.BreakerTrips)
	fmt.Fprintf(&b, "平均耗时: %s  P95: %s  最大: %s\n",
		utils.FormatResponseTime(s.AverageResponseTime),
		utils.FormatResponseTime(s.P95ResponseTime),
		utils.FormatResponseTime(s.MaxResponseTime))
	for _, outcome := range []string{
		monitor.OutcomeExhausted,
		monitor.OutcomeCircuitOpen,
		monitor.OutcomeDownstreamError,
		monitor.OutcomeTransportError,
		monitor.OutcomeValidation,
		monitor.OutcomeCancelled,
	} {
		if n := s.Outcomes[outcome]; n > 0 {
			fmt.Fprintf(&b, "  %s: %d\n", outcome, n)
		}
	}
	return b.String()
}

func formatEvent(event events.Event) string {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	prefix := "[gray]" + ts.Format("15:04:05") + "[-] "
	switch event.Type {
	case events.EventForwardCompleted:
		return prefix + fmt.Sprintf("%v %v%v → %v (%v, 尝试 %v)",
			event.Data["method"], event.Data["host"], event.Data["path"],
			event.Data["status_code"], event.Data["outcome"], event.Data["attempts"])
	case events.EventBreakerStateChanged, events.EventBreakerReset:
		return prefix + fmt.Sprintf("[yellow]熔断器 %v → %v[-]", event.Data["from"], event.Data["to"])
	case events.EventConfigChanged:
		return prefix + "[blue]配置已重新加载[-]"
	default:
		return prefix + string(event.Type)
	}
}

func appendCapped(lines []string, line string, limit int) []string {
	lines = append(lines, line)
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

func levelTag(level string) string {
	switch strings.ToUpper(level) {
	case "ERROR":
		return "[red]ERROR[-]"
	case "WARN":
		return "[yellow]WARN[-]"
	case "DEBUG":
		return "[gray]DEBUG[-]"
	default:
		return "[green]INFO[-]"
	}
}

func colorName(s breaker.State) string {
	switch s {
	case breaker.StateOpen:
		return "red"
	case breaker.StateHalfOpen:
		return "yellow"
	default:
		return "green"
	}
}

func breakerColor(s breaker.State) tcell.Color {
	switch s {
	case breaker.StateOpen:
		return tcell.ColorRed
	case breaker.StateHalfOpen:
		return tcell.ColorYellow
	default:
		return tcell.ColorGreen
	}
}
