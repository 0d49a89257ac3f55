package feed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nftbot/gonft/internal/domain"
)

// streamTestServer 记录订阅帧并允许测试主动推送事件帧
type streamTestServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	frames   chan streamMessage
	conns    chan *websocket.Conn
}

func newStreamTestServer(t *testing.T) *streamTestServer {
	t.Helper()
	s := &streamTestServer{
		frames: make(chan streamMessage, 16),
		conns:  make(chan *websocket.Conn, 4),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("升级 WebSocket 失败: %v", err)
			return
		}
		s.conns <- conn
		for {
			var msg streamMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.frames <- msg
		}
	}))
	return s
}

func (s *streamTestServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *streamTestServer) nextFrame(t *testing.T) streamMessage {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("等待订阅帧超时")
		return streamMessage{}
	}
}

func TestStreamSyncSubscriptions(t *testing.T) {
	server := newStreamTestServer(t)
	defer server.srv.Close()

	stream := NewStream(StreamConfig{URL: server.url()}, NewBuffer(10), nil)
	if err := stream.Start(nil); err != nil {
		t.Fatalf("启动事件流失败: %v", err)
	}
	defer stream.Stop()

	if err := stream.SyncSubscriptions([]string{"apes", "cats"}); err != nil {
		t.Fatalf("同步订阅失败: %v", err)
	}
	frame := server.nextFrame(t)
	if frame.Type != "subscribe" || len(frame.Slugs) != 2 {
		t.Fatalf("首次同步应订阅全部集合: %+v", frame)
	}
	if stream.SubscriptionCount() != 2 {
		t.Fatalf("订阅数期望 2 实际 %d", stream.SubscriptionCount())
	}

	// 再次同步只发差集：退订 cats、订阅 dogs，apes 不动
	if err := stream.SyncSubscriptions([]string{"apes", "dogs"}); err != nil {
		t.Fatalf("同步订阅失败: %v", err)
	}
	unsub := server.nextFrame(t)
	if unsub.Type != "unsubscribe" || len(unsub.Slugs) != 1 || unsub.Slugs[0] != "cats" {
		t.Fatalf("应只退订 cats: %+v", unsub)
	}
	sub := server.nextFrame(t)
	if sub.Type != "subscribe" || len(sub.Slugs) != 1 || sub.Slugs[0] != "dogs" {
		t.Fatalf("应只订阅 dogs: %+v", sub)
	}
}

func TestStreamMergesEvents(t *testing.T) {
	server := newStreamTestServer(t)
	defer server.srv.Close()

	buffer := NewBuffer(10)
	merged := make(chan []*domain.MarketplaceEvent, 4)
	stream := NewStream(StreamConfig{URL: server.url()}, buffer, func(added []*domain.MarketplaceEvent) {
		merged <- added
	})
	if err := stream.Start(nil); err != nil {
		t.Fatalf("启动事件流失败: %v", err)
	}
	defer stream.Stop()

	conn := <-server.conns
	if err := conn.WriteJSON(streamMessage{
		Type: "events",
		Events: []*domain.MarketplaceEvent{
			feedEvent("s1", "2024-06-01T10:00:00"),
			feedEvent("s2", "2024-06-01T10:00:05"),
		},
	}); err != nil {
		t.Fatalf("推送事件帧失败: %v", err)
	}

	select {
	case added := <-merged:
		// 推送的事件先排成最新在前再合并
		if len(added) != 2 || added[0].ListingID != "s2" {
			t.Fatalf("合并结果不对: %v", added)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("等待合并回调超时")
	}

	// 共享缓冲去重：同一事件经轮询路径再进来不会重复
	if again := buffer.Merge([]*domain.MarketplaceEvent{feedEvent("s1", "2024-06-01T10:00:00")}); len(again) != 0 {
		t.Fatalf("共享缓冲应挡住重复事件: %v", again)
	}

	// 非事件帧忽略
	if err := conn.WriteJSON(streamMessage{Type: "pong"}); err != nil {
		t.Fatalf("推送失败: %v", err)
	}

	if err := stream.Start(nil); err == nil {
		t.Fatal("重复启动应报错")
	}
}
