package domain

import (
	"fmt"
	"time"
)

// EventType 市场事件类型
type EventType string

const (
	// EventCreated 新挂单
	EventCreated EventType = "CREATED"
	// EventSuccessful 成交
	EventSuccessful EventType = "SUCCESSFUL"
)

// TimeLayout 市场时间戳格式：ISO-8601、不带时区后缀，隐含 UTC
const TimeLayout = "2006-01-02T15:04:05"

// timeLayouts 解析时允许的格式（部分接口会带小数秒）
var timeLayouts = []string{
	TimeLayout,
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp 解析市场时间戳（隐含 UTC）
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析时间戳: %q", s)
}

// FormatTimestamp 按市场时间戳格式输出（UTC、不带时区后缀）
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// MarketplaceEvent 市场活动事件（挂单/成交），构造后不可变。
// ListingID 是 eventType:rawId:timestamp 组合键，跨事件类型与时间唯一。
type MarketplaceEvent struct {
	ListingID       string    `json:"listingId"`
	TokenID         string    `json:"tokenId"`
	ContractAddress string    `json:"contractAddress"`
	Chain           string    `json:"chain"`
	Name            string    `json:"name"`
	Image           string    `json:"image"`
	Price           string    `json:"price"` // 最小货币单位（wei）的整数字符串
	Currency        string    `json:"currency"`
	Timestamp       string    `json:"timestamp"` // ISO-8601 不带时区后缀（UTC）
	EventType       EventType `json:"eventType"`
}

// ComposeListingID 生成组合键
func ComposeListingID(eventType EventType, rawID, timestamp string) string {
	return fmt.Sprintf("%s:%s:%s", eventType, rawID, timestamp)
}

// MatchedAsset 命中提醒规则的事件，附带命中的规则 ID
type MatchedAsset struct {
	MarketplaceEvent
	RuleID string `json:"ruleId"`
}
