package feed

import (
	"context"
	"errors"

	"github.com/nftbot/gonft/internal/domain"
)

// ErrRateLimited 标记可识别的限流错误。
// 数据源实现必须把后端限流（HTTP 429 等）包装成可以 errors.Is 到它的错误，
// 轮询器据此走线性退避而不是普通的瞬时错误路径。
var ErrRateLimited = errors.New("event feed rate limited")

// FetchRequest 一次事件拉取请求
type FetchRequest struct {
	CollectionSlugs []string
	SinceTimestamp  string // 为空表示不带时间下界（初始探测）
	Limit           int
}

// FetchResult 一次事件拉取结果。Events 按时间降序（最新在前）。
type FetchResult struct {
	Events          []*domain.MarketplaceEvent
	NewestTimestamp string
}

// EventSource 事件数据源
type EventSource interface {
	FetchEvents(ctx context.Context, req FetchRequest) (*FetchResult, error)
}
