package notifier

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/nftbot/gonft/internal/domain"
	"github.com/nftbot/gonft/internal/rarity"
)

var log = logrus.WithField("component", "notifier")

// nameMatches 名称过滤。
// 非法正则不允许让一条坏规则吞掉所有提醒：按命中处理（fail-open）并记录日志。
func nameMatches(name string, filter NameFilter) bool {
	if filter.IsRegExp {
		re, err := regexp.Compile("(?i)" + filter.Value)
		if err != nil {
			log.Errorf("名称过滤正则非法，按命中处理: pattern=%q err=%v", filter.Value, err)
			return true
		}
		return re.MatchString(name)
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(filter.Value))
}

// Matches 判断事件是否命中规则。纯谓词，无副作用，可重复调用。
// 所有检查都基于已经同步可用的数据；稀有度索引和 eligibility 集合
// 必须在规则进入活跃集之前加载完成。
func Matches(event *domain.MarketplaceEvent, n *Notifier, traitCountExcluded bool) bool {
	// 集合匹配：同一轮轮询里会混有多个被监控集合的事件
	if n.Collection == nil || !domain.SameAddress(event.ContractAddress, n.Collection.ContractAddress) {
		return false
	}

	// 拍卖：市场约定 WETH 即拍卖/出价货币
	if !n.IncludeAuctions && event.Currency == "WETH" {
		return false
	}

	// 价格区间（任一边界缺省即不限制）
	price := domain.WeiToEth(event.Price)
	if n.MinPrice != nil && price.LessThan(decimal.NewFromFloat(*n.MinPrice)) {
		return false
	}
	if n.MaxPrice != nil && price.GreaterThan(decimal.NewFromFloat(*n.MaxPrice)) {
		return false
	}

	// 名称过滤
	if n.NameContains.Value != "" && !nameMatches(event.Name, n.NameContains) {
		return false
	}

	// 稀有度：分层下限优先，其次排名上限。
	// 无排名的 token 永远不满足带稀有度约束的规则。
	if n.LowestRarity != "" && n.LowestRarity != "Common" {
		rank, ok := n.Collection.Rarities.Rank(event.TokenID, traitCountExcluded)
		if !ok {
			return false
		}
		assetTier := rarity.DetermineType(rank, n.Collection.Rarities.TokenCount)
		// 比较分层表下标（序数），下标越大越常见
		if rarity.TierIndex(assetTier.Name) > rarity.TierIndex(n.LowestRarity) {
			return false
		}
	} else if n.LowestRankNumber != nil {
		rank, ok := n.Collection.Rarities.Rank(event.TokenID, traitCountExcluded)
		if !ok {
			return false
		}
		if rank > *n.LowestRankNumber {
			return false
		}
	}

	// trait 过滤：token 必须在预先算好的 eligibility 集合内。
	// 集合尚未加载完成时一律不命中（fail closed），避免加载竞态期间的误报。
	if len(n.Traits) > 0 && n.Eligibility == nil {
		return false
	}
	if n.Eligibility != nil {
		if !n.Eligibility[event.TokenID] {
			return false
		}
	}

	return true
}
