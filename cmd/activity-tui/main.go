package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nftbot/gonft/internal/dispatch"
	"github.com/nftbot/gonft/internal/domain"
	"github.com/nftbot/gonft/internal/engine"
	"github.com/nftbot/gonft/internal/feed"
	"github.com/nftbot/gonft/internal/marketplace"
	"github.com/nftbot/gonft/pkg/config"
)

const maxRows = 20 // 每个视图显示的最大行数

var (
	// 样式定义
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	statusActiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("2")) // 绿色

	statusWarnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("3")) // 黄色

	statusFailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	matchStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("5")) // 紫色

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

type viewMode int

const (
	viewEvents viewMode = iota
	viewMatches
)

// model 应用状态
type model struct {
	eng  *engine.Engine
	mode viewMode

	status  feed.Status
	events  []*domain.MarketplaceEvent
	matches []*domain.MatchedAsset
	unseen  int
	watched int
	rules   int

	err error
}

// tickMsg 定时刷新消息
type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "tab":
			if m.mode == viewEvents {
				m.mode = viewMatches
				m.eng.SetPanelOpen(true)
			} else {
				m.mode = viewEvents
				m.eng.SetPanelOpen(false)
			}
			return m, nil
		case "r":
			m.eng.RetryFeed()
			return m, nil
		case "c":
			m.eng.ClearMatches()
			return m, nil
		}

	case tickMsg:
		m.status = m.eng.FeedStatus()
		m.events = m.eng.Events()
		m.matches = m.eng.Matched()
		m.unseen = m.eng.UnseenCount()
		m.watched = len(m.eng.Watched())
		m.rules = len(m.eng.Rules())
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	title := fmt.Sprintf(" NFT 挂单监控  集合:%d 规则:%d ", m.watched, m.rules)
	b.WriteString(headerStyle.Render(title))
	b.WriteString("  ")
	b.WriteString(renderStatus(m.status))
	if m.unseen > 0 {
		b.WriteString("  " + matchStyle.Render(fmt.Sprintf("未读命中 %d", m.unseen)))
	}
	b.WriteString("\n\n")

	switch m.mode {
	case viewEvents:
		b.WriteString(borderStyle.Render(renderEvents(m.events)))
	case viewMatches:
		b.WriteString(borderStyle.Render(renderMatches(m.matches)))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("tab 切换视图  r 重试轮询  c 清空命中  q 退出"))
	b.WriteString("\n")
	return b.String()
}

func renderStatus(s feed.Status) string {
	switch s {
	case feed.StatusActive:
		return statusActiveStyle.Render("● " + string(s))
	case feed.StatusStarting, feed.StatusRateLimited:
		return statusWarnStyle.Render("● " + string(s))
	case feed.StatusFailed:
		return statusFailStyle.Render("● " + string(s))
	default:
		return dimStyle.Render("● " + string(s))
	}
}

func renderEvents(events []*domain.MarketplaceEvent) string {
	if len(events) == 0 {
		return dimStyle.Render("（暂无事件）")
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-10s %-28s %-12s %-10s\n", "类型", "名称", "价格(ETH)", "时间"))
	for i, ev := range events {
		if i >= maxRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("… 还有 %d 条", len(events)-maxRows)))
			break
		}
		name := ev.Name
		if len(name) > 26 {
			name = name[:26] + "…"
		}
		line := fmt.Sprintf("%-10s %-28s %-12s %-10s",
			ev.EventType, name, domain.ReadableEthValue(ev.Price), shortTime(ev.Timestamp))
		if ev.EventType == domain.EventCreated {
			b.WriteString(line)
		} else {
			b.WriteString(dimStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderMatches(matches []*domain.MatchedAsset) string {
	if len(matches) == 0 {
		return dimStyle.Render("（暂无命中）")
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-6s %-28s %-12s %-10s\n", "规则", "名称", "价格(ETH)", "时间"))
	for i, hit := range matches {
		if i >= maxRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("… 还有 %d 条", len(matches)-maxRows)))
			break
		}
		name := hit.Name
		if len(name) > 26 {
			name = name[:26] + "…"
		}
		b.WriteString(matchStyle.Render(fmt.Sprintf("%-6s", hit.RuleID)))
		b.WriteString(fmt.Sprintf(" %-28s %-12s %-10s\n",
			name, domain.ReadableEthValue(hit.Price), shortTime(hit.Timestamp)))
	}
	return b.String()
}

func shortTime(ts string) string {
	t, err := domain.ParseTimestamp(ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func main() {
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("WATCHER_CONFIG"), "配置文件路径 (yaml/json)")
		slugsFlag  = flag.String("collections", "", "要监控的集合 slug（逗号分隔）")
	)
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// TUI 模式下日志只写文件，避免污染终端
	if err := os.MkdirAll("logs", 0755); err == nil {
		logrus.SetOutput(&lumberjack.Logger{
			Filename:   "logs/activity-tui.log",
			MaxSize:    50,
			MaxBackups: 2,
			MaxAge:     7,
		})
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	client := marketplace.NewClient(marketplace.Config{
		BaseURL: cfg.Marketplace.BaseURL,
		APIKey:  cfg.Marketplace.APIKey,
	})

	eng := engine.NewEngine(client, engine.Config{
		Feed: feed.Config{
			PollInterval: time.Duration(cfg.Feed.PollIntervalMs) * time.Millisecond,
			FetchLimit:   cfg.Feed.FetchLimit,
			BufferSize:   cfg.Feed.BufferSize,
			RetryBudget:  cfg.Feed.RetryBudget,
		},
		StreamURL: cfg.Marketplace.StreamURL,
		Sink:      dispatch.LogSink{},
		Sound:     dispatch.TerminalBell{},
	})

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "引擎启动失败: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	if *slugsFlag != "" {
		for _, slug := range strings.Split(*slugsFlag, ",") {
			slug = strings.TrimSpace(slug)
			if slug == "" {
				continue
			}
			if _, err := eng.WatchCollection(ctx, slug); err != nil {
				fmt.Fprintf(os.Stderr, "监控集合 %s 失败: %v\n", slug, err)
			}
		}
	}

	p := tea.NewProgram(model{eng: eng, status: feed.StatusInactive})
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI 运行失败: %v\n", err)
		os.Exit(1)
	}
}
