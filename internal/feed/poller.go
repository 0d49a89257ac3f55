package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nftbot/gonft/internal/domain"
	"github.com/nftbot/gonft/pkg/sigchan"
)

var log = logrus.WithField("component", "feed")

// Status 轮询器对外状态
type Status string

const (
	// StatusInactive 没有被监控的集合，不轮询
	StatusInactive Status = "INACTIVE"
	// StatusStarting 监控集合刚变化，正在做初始探测（只取每个集合最近一条事件来播种水位线）
	StatusStarting Status = "STARTING"
	// StatusActive 正常轮询中
	StatusActive Status = "ACTIVE"
	// StatusRateLimited 被限流，线性退避中
	StatusRateLimited Status = "RATE_LIMITED"
	// StatusFailed 连续瞬时失败超出预算，需要显式 Retry
	StatusFailed Status = "FAILED"
)

const (
	// lookbackBuffer 水位线回看窗口：容忍 feed 侧乱序/最终一致
	lookbackBuffer = 60 * time.Second
	// rateLimitBackoffStep 限流退避步长（第 n 次连续限流等 n 倍）
	rateLimitBackoffStep = 5 * time.Second
	// defaultInitialTimestamp 进程刚启动、还没有任何水位线时的占位时间
	defaultInitialTimestamp = "2021-01-01T00:00:00"
)

// Config 轮询器配置
type Config struct {
	PollInterval time.Duration // 轮询间隔，默认 2s
	FetchLimit   int           // 每轮最多拉取条数，默认 50
	BufferSize   int           // 滚动缓冲容量，默认 50
	RetryBudget  int           // 连续瞬时失败多少次后进入 FAILED，默认 10
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 50
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 50
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 10
	}
}

// MergeHandler 新事件合并回调（参数为本轮真正新增的事件，最新在前）
type MergeHandler func(added []*domain.MarketplaceEvent)

// Poller 事件轮询状态机。
//
// 状态流转：INACTIVE → STARTING → ACTIVE ⟷ RATE_LIMITED（FAILED 需显式恢复）。
// 水位线带 60 秒回看（不早于初始水位线），重叠窗口的重复事件由 Buffer 去重。
// 监控集合变化会让 epoch 自增：在途响应到达时发现 epoch 不匹配直接丢弃，
// 保证每个 epoch 至多一个拉取在途且不会与被取代的请求竞争。
type Poller struct {
	source EventSource
	cfg    Config

	buffer  *Buffer
	onMerge MergeHandler
	changed *sigchan.Chan

	ctx    context.Context
	cancel context.CancelFunc

	mu                    sync.Mutex
	status                Status
	slugs                 []string
	slugsKey              string
	epoch                 int
	watermark             string // 最近一次见到的事件时间戳
	initialWatermark      string // 本 epoch 初始水位线（回看下限）
	consecutiveRateLimits int
	consecutiveFailures   int
	timer                 *time.Timer
}

// NewPoller 创建轮询器
func NewPoller(source EventSource, cfg Config, onMerge MergeHandler) *Poller {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		source:           source,
		cfg:              cfg,
		buffer:           NewBuffer(cfg.BufferSize),
		onMerge:          onMerge,
		changed:          sigchan.New(1),
		ctx:              ctx,
		cancel:           cancel,
		status:           StatusInactive,
		watermark:        defaultInitialTimestamp,
		initialWatermark: defaultInitialTimestamp,
	}
}

// SetWatched 更新被监控的集合 slug 集。
// 集合身份变化（slug 集不同）会重置水位线和去重状态并触发初始探测；
// 变为空集回到 INACTIVE。
func (p *Poller) SetWatched(slugs []string) {
	key := strings.Join(slugs, ",")

	p.mu.Lock()
	if key == p.slugsKey {
		p.mu.Unlock()
		return
	}

	p.slugs = append([]string(nil), slugs...)
	p.slugsKey = key
	p.epoch++
	epoch := p.epoch
	p.stopTimerLocked()

	if len(slugs) == 0 {
		p.status = StatusInactive
		p.mu.Unlock()
		p.changed.Emit()
		return
	}

	// 新的监控集合让"什么算新事件"失效：重置水位线与去重状态
	p.status = StatusStarting
	p.watermark = defaultInitialTimestamp
	p.initialWatermark = defaultInitialTimestamp
	p.consecutiveRateLimits = 0
	p.consecutiveFailures = 0
	p.mu.Unlock()

	p.buffer.Reset()
	p.changed.Emit()
	go p.pollOnce(epoch, true)
}

// Status 当前状态
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Watermark 当前水位线（最近见到的事件时间戳）
func (p *Poller) Watermark() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

// Events 缓冲快照（最新在前）
func (p *Poller) Events() []*domain.MarketplaceEvent {
	return p.buffer.Snapshot()
}

// EventsByType 按类型过滤的缓冲快照
func (p *Poller) EventsByType(t domain.EventType) []*domain.MarketplaceEvent {
	return p.buffer.SnapshotByType(t)
}

// Buffer 暴露缓冲（流式数据源与轮询共用同一条合并路径）
func (p *Poller) Buffer() *Buffer {
	return p.buffer
}

// Changed 状态/缓冲变化信号
func (p *Poller) Changed() *sigchan.Chan {
	return p.changed
}

// Retry 从 FAILED 状态显式恢复（用户点重试）
func (p *Poller) Retry() {
	p.mu.Lock()
	if p.status != StatusFailed || len(p.slugs) == 0 {
		p.mu.Unlock()
		return
	}
	p.consecutiveFailures = 0
	p.status = StatusActive
	epoch := p.epoch
	p.mu.Unlock()

	p.changed.Emit()
	go p.pollOnce(epoch, false)
}

// Close 停止轮询（终止所有在途与后续调度）
func (p *Poller) Close() {
	p.cancel()
	p.mu.Lock()
	p.stopTimerLocked()
	p.status = StatusInactive
	p.mu.Unlock()
}

// bufferedSince 返回水位线减去回看窗口后的时间戳，下限为初始水位线
func bufferedSince(watermark, initial string) string {
	wt, err := domain.ParseTimestamp(watermark)
	if err != nil {
		return initial
	}
	buffered := wt.Add(-lookbackBuffer)
	it, err := domain.ParseTimestamp(initial)
	if err == nil && buffered.Before(it) {
		return initial
	}
	return domain.FormatTimestamp(buffered)
}

func (p *Poller) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// scheduleLocked 在 delay 后调度下一次拉取（持有锁时调用）
func (p *Poller) scheduleLocked(epoch int, delay time.Duration, initial bool) {
	p.stopTimerLocked()
	p.timer = time.AfterFunc(delay, func() {
		p.pollOnce(epoch, initial)
	})
}

// pollOnce 执行一次拉取并调度下一次。
// epoch 不匹配（监控集合已变化）时整个响应作废。
func (p *Poller) pollOnce(epoch int, isInitial bool) {
	p.mu.Lock()
	if p.ctx.Err() != nil || epoch != p.epoch {
		p.mu.Unlock()
		return
	}
	slugs := append([]string(nil), p.slugs...)
	req := FetchRequest{CollectionSlugs: slugs}
	if isInitial {
		// 初始探测：每个集合只要最近一条，用来播种水位线，不回填历史
		req.Limit = 1
	} else {
		req.SinceTimestamp = bufferedSince(p.watermark, p.initialWatermark)
		req.Limit = p.cfg.FetchLimit
	}
	p.mu.Unlock()

	fetchStart := time.Now()
	res, err := p.source.FetchEvents(p.ctx, req)
	elapsed := time.Since(fetchStart)

	p.mu.Lock()
	if p.ctx.Err() != nil || epoch != p.epoch {
		// 响应属于被取代的 epoch，丢弃
		p.mu.Unlock()
		return
	}

	if err != nil {
		p.handleFetchErrorLocked(epoch, isInitial, err)
		p.mu.Unlock()
		p.changed.Emit()
		return
	}

	p.consecutiveRateLimits = 0
	p.consecutiveFailures = 0

	events := res.Events
	if len(events) > 0 {
		// 推进水位线到最新事件
		newest := res.NewestTimestamp
		if newest == "" {
			newest = events[0].Timestamp
		}
		p.watermark = newest
		if isInitial {
			p.initialWatermark = newest
		}
	}

	var added []*domain.MarketplaceEvent
	if isInitial {
		// 初始探测只播种水位线，不进缓冲
		p.status = StatusActive
	} else if len(events) > 0 {
		added = p.buffer.Merge(events)
	}

	// 扣掉本次拉取耗时，保持大致固定间隔
	delay := p.cfg.PollInterval - elapsed
	if delay < 0 {
		delay = 0
	}
	p.scheduleLocked(epoch, delay, false)
	p.mu.Unlock()

	if len(added) > 0 && p.onMerge != nil {
		p.onMerge(added)
	}
	p.changed.Emit()
}

// handleFetchErrorLocked 错误分流：限流走线性退避，瞬时错误记日志继续，
// 连续瞬时错误超预算进入 FAILED（持有锁时调用）。
func (p *Poller) handleFetchErrorLocked(epoch int, isInitial bool, err error) {
	if errors.Is(err, ErrRateLimited) {
		p.consecutiveRateLimits++
		p.status = StatusRateLimited
		backoff := time.Duration(p.consecutiveRateLimits) * rateLimitBackoffStep
		log.Warnf("事件源限流，%v 后重试（连续第 %d 次）", backoff, p.consecutiveRateLimits)
		p.stopTimerLocked()
		p.timer = time.AfterFunc(backoff, func() {
			p.mu.Lock()
			if p.ctx.Err() != nil || epoch != p.epoch {
				p.mu.Unlock()
				return
			}
			p.status = StatusActive
			p.mu.Unlock()
			p.changed.Emit()
			p.pollOnce(epoch, isInitial)
		})
		return
	}

	p.consecutiveFailures++
	if p.consecutiveFailures >= p.cfg.RetryBudget {
		log.Errorf("事件拉取连续失败 %d 次，停止轮询等待显式重试: %v", p.consecutiveFailures, err)
		p.status = StatusFailed
		p.stopTimerLocked()
		return
	}

	// 瞬时错误：记日志，下个间隔继续，不改变对外状态
	log.Warnf("事件拉取失败（第 %d 次，瞬时错误）: %v", p.consecutiveFailures, err)
	p.scheduleLocked(epoch, p.cfg.PollInterval, isInitial)
}
