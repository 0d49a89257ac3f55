// Package marketplace 封装市场后端 HTTP API。
package marketplace

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nftbot/gonft/internal/domain"
	"github.com/nftbot/gonft/internal/feed"
	"github.com/nftbot/gonft/internal/rarity"
	"github.com/nftbot/gonft/pkg/ratelimit"
)

var log = logrus.WithField("component", "marketplace")

// Config 市场客户端配置
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // 默认 30s
}

// Client 市场后端客户端。
// 同时充当事件源（feed.EventSource）与稀有度数据源（rarity.Source）。
// 429 会被映射成 feed.ErrRateLimited，由上层状态机决定退避；
// 客户端侧另有本地限流，尽量不触发服务端限流。
type Client struct {
	http   *resty.Client
	limits *ratelimit.RateLimitManager
}

var _ feed.EventSource = (*Client)(nil)
var _ rarity.Source = (*Client)(nil)

// NewClient 创建市场客户端
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	// 只对网络错误和 5xx 重试；429 交给上层状态机做退避
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "gonft/1.0")

	if cfg.APIKey != "" {
		client.SetHeader("X-API-KEY", cfg.APIKey)
	}

	return &Client{
		http:   client,
		limits: ratelimit.NewRateLimitManager(),
	}
}

// checkStatus 统一的响应状态检查：429 映射限流错误，其余非 2xx 报错
func checkStatus(resp *resty.Response, what string) error {
	if resp.StatusCode() == http.StatusTooManyRequests {
		return errors.Wrapf(feed.ErrRateLimited, "%s: HTTP 429", what)
	}
	if resp.IsError() {
		return errors.Errorf("%s: HTTP %d: %s", what, resp.StatusCode(), resp.String())
	}
	return nil
}

// FetchEvents 拉取事件流。
// 返回的事件按时间戳降序（最新在前），NewestTimestamp 为本批最新事件时间戳。
func (c *Client) FetchEvents(ctx context.Context, req feed.FetchRequest) (*feed.FetchResult, error) {
	if err := c.limits.Wait(ctx, "market:events:get"); err != nil {
		return nil, err
	}

	r := c.http.R().SetContext(ctx)
	for _, slug := range req.CollectionSlugs {
		r.SetQueryParam("collection_slug", slug)
	}
	if req.SinceTimestamp != "" {
		r.SetQueryParam("occurred_after", req.SinceTimestamp)
	}
	if req.Limit > 0 {
		r.SetQueryParam("limit", strconv.Itoa(req.Limit))
	}

	var body rawEventsResponse
	resp, err := r.SetResult(&body).Get("/api/v1/events")
	if err != nil {
		return nil, errors.Wrap(err, "拉取事件失败")
	}
	if err := checkStatus(resp, "拉取事件"); err != nil {
		return nil, err
	}

	events := make([]*domain.MarketplaceEvent, 0, len(body.AssetEvents))
	for i := range body.AssetEvents {
		ev := convertEvent(&body.AssetEvents[i])
		if ev != nil {
			events = append(events, ev)
		}
	}
	feed.SortNewestFirst(events)

	result := &feed.FetchResult{Events: events}
	if len(events) > 0 {
		result.NewestTimestamp = events[0].Timestamp
	}
	return result, nil
}

// FetchCollection 按 slug 拉取集合信息
func (c *Client) FetchCollection(ctx context.Context, slug string) (*domain.Collection, error) {
	if err := c.limits.Wait(ctx, "market:collections:get"); err != nil {
		return nil, err
	}

	var body rawCollection
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&body).
		Get("/api/v1/collections/" + slug)
	if err != nil {
		return nil, errors.Wrapf(err, "拉取集合 %s 失败", slug)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, errors.Errorf("集合 %s 不存在", slug)
	}
	if err := checkStatus(resp, "拉取集合"); err != nil {
		return nil, err
	}

	return &domain.Collection{
		Slug:            body.Slug,
		Name:            body.Name,
		ImageURL:        body.ImageURL,
		ContractAddress: domain.NormalizeAddress(body.ContractAddress),
	}, nil
}

// FetchRarities 拉取集合稀有度索引。集合没有稀有度数据时返回 nil（未排名）。
func (c *Client) FetchRarities(ctx context.Context, contractAddress string) (*rarity.Index, error) {
	if err := c.limits.Wait(ctx, "market:rarities:get"); err != nil {
		return nil, err
	}

	var body rawRarities
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&body).
		Get("/api/v1/collections/" + contractAddress + "/rarities")
	if err != nil {
		return nil, errors.Wrapf(err, "拉取稀有度 %s 失败", contractAddress)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus(resp, "拉取稀有度"); err != nil {
		return nil, err
	}
	if !body.IsRanked {
		return nil, nil
	}

	ix := &rarity.Index{
		TokenCount:            body.TokenCount,
		IsRanked:              true,
		TokenRank:             body.TokenRank,
		NoTraitCountTokenRank: body.NoTraitCountTokenRank,
	}
	if ix.TokenRank == nil {
		ix.TokenRank = map[string]int{}
	}
	if ix.NoTraitCountTokenRank == nil {
		ix.NoTraitCountTokenRank = map[string]int{}
	}
	for _, t := range body.Traits {
		ix.Traits = append(ix.Traits, rarity.TraitDescriptor{
			TraitType: t.TraitType,
			Value:     t.Value,
			Count:     len(t.TokenIDs),
		})
	}
	return ix, nil
}

// FetchEligibility 按 trait 过滤条件查询合格 token 集。
// traitFilters 形如 "Background:Gold"；同一 trait 类型取并集，不同类型取交集。
func (c *Client) FetchEligibility(ctx context.Context, contractAddress string, traitFilters []string) (map[string]bool, error) {
	if len(traitFilters) == 0 {
		return map[string]bool{}, nil
	}
	if err := c.limits.Wait(ctx, "market:rarities:get"); err != nil {
		return nil, err
	}

	r := c.http.R().SetContext(ctx)
	for _, f := range traitFilters {
		r.SetQueryParam("trait", f)
	}

	var body struct {
		TokenIDs []string `json:"token_ids"`
	}
	resp, err := r.SetResult(&body).
		Get("/api/v1/collections/" + contractAddress + "/eligibility")
	if err != nil {
		return nil, errors.Wrapf(err, "查询 trait 合格集 %s 失败", contractAddress)
	}
	if err := checkStatus(resp, "查询 trait 合格集"); err != nil {
		return nil, err
	}

	eligible := make(map[string]bool, len(body.TokenIDs))
	for _, id := range body.TokenIDs {
		eligible[id] = true
	}
	log.Debugf("集合 %s trait 过滤命中 %d 个 token", contractAddress, len(eligible))
	return eligible, nil
}

// convertEvent 把原始事件转换为内部事件模型，无法识别的类型返回 nil
func convertEvent(raw *rawEvent) *domain.MarketplaceEvent {
	var et domain.EventType
	switch raw.EventType {
	case "created":
		et = domain.EventCreated
	case "successful":
		et = domain.EventSuccessful
	default:
		return nil
	}

	price := raw.StartingPrice
	if et == domain.EventSuccessful {
		price = raw.TotalPrice
	}
	currency := ""
	if raw.PaymentToken != nil {
		currency = raw.PaymentToken.Symbol
	}

	return &domain.MarketplaceEvent{
		ListingID:       domain.ComposeListingID(et, strconv.FormatInt(raw.ID, 10), raw.CreatedDate),
		TokenID:         raw.Asset.TokenID,
		ContractAddress: domain.NormalizeAddress(raw.Asset.AssetContract.Address),
		Chain:           raw.Asset.AssetContract.Chain,
		Name:            raw.Asset.Name,
		Image:           raw.Asset.ImageURL,
		Price:           price,
		Currency:        currency,
		Timestamp:       raw.CreatedDate,
		EventType:       et,
	}
}

