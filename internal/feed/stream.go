package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/nftbot/gonft/internal/domain"
)

// StreamConfig 流式事件源配置
type StreamConfig struct {
	URL                  string
	HandshakeTimeout     time.Duration // 默认 10s
	PingInterval         time.Duration // 默认 30s
	ReconnectDelay       time.Duration // 重连退避步长，默认 2s
	MaxReconnectDelay    time.Duration // 默认 30s
	MaxReconnectAttempts int           // 默认 10
}

func (c *StreamConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
}

// streamMessage 事件流上的订阅与事件消息帧
type streamMessage struct {
	Type   string                     `json:"type"`
	Slugs  []string                   `json:"slugs,omitempty"`
	Events []*domain.MarketplaceEvent `json:"events,omitempty"`
}

// Stream WebSocket 事件流客户端。
// 与轮询器共享同一个 Buffer：推送到达的事件走同一条合并/去重路径，
// 因此轮询与流式两种来源可以互为兜底而不会重复派发。
type Stream struct {
	cfg     StreamConfig
	buffer  *Buffer
	onMerge MergeHandler

	conn   *websocket.Conn
	connMu sync.Mutex

	subs  map[string]bool // slug -> 已订阅
	subMu sync.RWMutex

	running   bool
	runningMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectAttempts int
	reconnectMu       sync.Mutex
}

// NewStream 创建事件流客户端（buffer 通常来自 Poller.Buffer()）
func NewStream(cfg StreamConfig, buffer *Buffer, onMerge MergeHandler) *Stream {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		cfg:     cfg,
		buffer:  buffer,
		onMerge: onMerge,
		subs:    make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start 连接并开始监听
func (s *Stream) Start(ctx context.Context) error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return errors.New("事件流客户端已在运行")
	}
	s.running = true
	s.runningMu.Unlock()

	if ctx != nil {
		s.ctx = ctx
	}

	if err := s.connect(); err != nil {
		s.runningMu.Lock()
		s.running = false
		s.runningMu.Unlock()
		return errors.Wrap(err, "初始连接失败")
	}

	go s.readLoop()
	go s.pingLoop()

	log.Infof("事件流已连接到 %s", s.cfg.URL)
	return nil
}

// Stop 优雅关闭连接
func (s *Stream) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	close(s.stopCh)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn("事件流关闭超时")
	}
}

// IsRunning 客户端是否在运行
func (s *Stream) IsRunning() bool {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()
	return s.running
}

// SyncSubscriptions 把订阅集同步为给定的 slug 集：
// 只对差集发订阅/退订消息，已有订阅不动。
func (s *Stream) SyncSubscriptions(slugs []string) error {
	want := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		want[slug] = true
	}

	s.subMu.Lock()
	var toAdd, toRemove []string
	for slug := range want {
		if !s.subs[slug] {
			s.subs[slug] = true
			toAdd = append(toAdd, slug)
		}
	}
	for slug := range s.subs {
		if !want[slug] {
			delete(s.subs, slug)
			toRemove = append(toRemove, slug)
		}
	}
	s.subMu.Unlock()

	if len(toRemove) > 0 {
		if err := s.writeJSON(streamMessage{Type: "unsubscribe", Slugs: toRemove}); err != nil {
			return errors.Wrap(err, "发送退订失败")
		}
	}
	if len(toAdd) > 0 {
		if err := s.writeJSON(streamMessage{Type: "subscribe", Slugs: toAdd}); err != nil {
			return errors.Wrap(err, "发送订阅失败")
		}
		log.Infof("事件流新增订阅 %d 个集合", len(toAdd))
	}
	return nil
}

// SubscriptionCount 活跃订阅数
func (s *Stream) SubscriptionCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subs)
}

func (s *Stream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return errors.New("未连接")
	}
	return s.conn.WriteJSON(v)
}

func (s *Stream) connect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		s.conn.Close()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}

	headers := make(http.Header)
	headers.Set("User-Agent", "gonft/1.0")

	conn, _, err := dialer.Dial(s.cfg.URL, headers)
	if err != nil {
		return errors.Wrap(err, "连接失败")
	}
	s.conn = conn

	s.reconnectMu.Lock()
	s.reconnectAttempts = 0
	s.reconnectMu.Unlock()
	return nil
}

// resubscribe 重连后恢复全部订阅
func (s *Stream) resubscribe() error {
	s.subMu.RLock()
	slugs := make([]string, 0, len(s.subs))
	for slug := range s.subs {
		slugs = append(slugs, slug)
	}
	s.subMu.RUnlock()

	if len(slugs) == 0 {
		return nil
	}
	return s.writeJSON(streamMessage{Type: "subscribe", Slugs: slugs})
}

func (s *Stream) readLoop() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			s.reconnect()
			time.Sleep(time.Second)
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.connMu.Unlock()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("事件流连接正常关闭")
				return
			}
			log.Warnf("事件流读取错误: %v, 重连中...", err)
			s.reconnect()
			continue
		}

		s.handleMessage(message)
	}
}

func (s *Stream) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warnf("事件流 PING 发送失败: %v", err)
			}
		}
	}
}

// reconnect 线性退避重连，成功后恢复订阅
func (s *Stream) reconnect() {
	s.reconnectMu.Lock()
	s.reconnectAttempts++
	attempts := s.reconnectAttempts
	s.reconnectMu.Unlock()

	if attempts > s.cfg.MaxReconnectAttempts {
		log.Errorf("事件流达到最大重连次数 (%d)，放弃", s.cfg.MaxReconnectAttempts)
		return
	}

	delay := s.cfg.ReconnectDelay * time.Duration(attempts)
	if delay > s.cfg.MaxReconnectDelay {
		delay = s.cfg.MaxReconnectDelay
	}

	log.Infof("事件流 %v 后重连 (尝试 %d/%d)...", delay, attempts, s.cfg.MaxReconnectAttempts)

	select {
	case <-s.ctx.Done():
		return
	case <-s.stopCh:
		return
	case <-time.After(delay):
	}

	if err := s.connect(); err != nil {
		log.Warnf("事件流重连失败: %v", err)
		return
	}
	if err := s.resubscribe(); err != nil {
		log.Warnf("事件流重新订阅失败: %v", err)
	}
}

// handleMessage 解析事件帧并合并进共享缓冲
func (s *Stream) handleMessage(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debugf("事件流消息解析失败: %v", err)
		return
	}
	if msg.Type != "events" || len(msg.Events) == 0 {
		return
	}

	SortNewestFirst(msg.Events)
	added := s.buffer.Merge(msg.Events)
	if len(added) > 0 && s.onMerge != nil {
		s.onMerge(added)
	}
}
