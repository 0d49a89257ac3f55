// Package dispatch 把匹配到的事件派发为通知、提示音与自动购买。
package dispatch

import (
	"context"

	"github.com/nftbot/gonft/internal/domain"
)

// Notification 面向用户的通知内容
type Notification struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	IconURL  string `json:"iconUrl"`
	EventID  string `json:"eventId"`
	RuleID   string `json:"ruleId"`
	Contract string `json:"contract"`
}

// NotificationSink 通知出口（系统通知、webhook 等）。
// Notify 返回出口分配的通知 ID，Clear 按 ID 撤回已发出的通知。
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) (string, error)
	Clear(ctx context.Context, ids []string) error
}

// SoundPlayer 提示音出口
type SoundPlayer interface {
	Play()
}

// PurchaseRequest 自动购买请求
type PurchaseRequest struct {
	Event       *domain.MarketplaceEvent
	RuleID      string
	GasOverride *domain.GasOverride
}

// PurchaseSubmitter 购买通道出口
type PurchaseSubmitter interface {
	Submit(ctx context.Context, req PurchaseRequest) error
}
