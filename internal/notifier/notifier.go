package notifier

import (
	"strconv"
	"sync"

	"github.com/nftbot/gonft/internal/domain"
)

// NameFilter 名称过滤条件。Value 为空表示不过滤。
// IsRegExp 为 true 时 Value 按正则解释（大小写不敏感），否则做大小写不敏感的子串匹配。
type NameFilter struct {
	Value    string `json:"value"`
	IsRegExp bool   `json:"isRegExp"`
}

// Notifier 用户定义的挂单提醒规则。
// LowestRarity 与 LowestRankNumber 至多一个生效：
// LowestRarity != "Common" 时按分层下限过滤，否则若 LowestRankNumber 非 nil 按排名上限过滤。
// Eligibility 为 nil 表示规则没有 trait 过滤；非 nil 时 token 必须在集合内才命中。
type Notifier struct {
	ID               string             `json:"id"`
	MinPrice         *float64           `json:"minPrice"` // ETH
	MaxPrice         *float64           `json:"maxPrice"` // ETH
	LowestRarity     string             `json:"lowestRarity"`
	LowestRankNumber *int               `json:"lowestRankNumber"`
	IncludeAuctions  bool               `json:"includeAuctions"`
	NameContains     NameFilter         `json:"nameContains"`
	Traits           []string           `json:"traits"`
	AutoQuickBuy     bool               `json:"autoQuickBuy"`
	GasOverride      *domain.GasOverride `json:"gasOverride"`
	Collection       *domain.Collection `json:"-"`
	Eligibility      map[string]bool    `json:"-"`
}

// PriorityScore 规则优先级评分。
// 自动购买规则必须压过纯提醒规则（避免自动购买被更靠前的普通规则吞掉），
// 自动购买规则之间 gas 出价更高者优先（更可能先上链）。
func (n *Notifier) PriorityScore() int {
	score := 0
	if n.AutoQuickBuy {
		score = 1000000
	}
	if n.GasOverride != nil {
		score += n.GasOverride.Fee + n.GasOverride.PriorityFee
	}
	return score
}

// Snapshot 规则的可持久化形态：不含集合对象与 eligibility 集合，
// 恢复时按 CollectionSlug 重新准备集合并重新加载 eligibility。
type Snapshot struct {
	ID               string              `json:"id"`
	MinPrice         *float64            `json:"minPrice"`
	MaxPrice         *float64            `json:"maxPrice"`
	LowestRarity     string              `json:"lowestRarity"`
	LowestRankNumber *int                `json:"lowestRankNumber"`
	IncludeAuctions  bool                `json:"includeAuctions"`
	NameContains     NameFilter          `json:"nameContains"`
	Traits           []string            `json:"traits"`
	AutoQuickBuy     bool                `json:"autoQuickBuy"`
	GasOverride      *domain.GasOverride `json:"gasOverride"`
	CollectionSlug   string              `json:"collectionSlug"`
}

// Snapshot 导出规则的持久化形态
func (n *Notifier) Snapshot() Snapshot {
	slug := ""
	if n.Collection != nil {
		slug = n.Collection.Slug
	}
	return Snapshot{
		ID:               n.ID,
		MinPrice:         n.MinPrice,
		MaxPrice:         n.MaxPrice,
		LowestRarity:     n.LowestRarity,
		LowestRankNumber: n.LowestRankNumber,
		IncludeAuctions:  n.IncludeAuctions,
		NameContains:     n.NameContains,
		Traits:           n.Traits,
		AutoQuickBuy:     n.AutoQuickBuy,
		GasOverride:      n.GasOverride,
		CollectionSlug:   slug,
	}
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// IDGenerator 生成人类可读的规则 ID：A, B ... Z, A1, B1 ...
type IDGenerator struct {
	mu sync.Mutex
	n  int
}

// Next 生成下一个 ID
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := string(idAlphabet[g.n%len(idAlphabet)])
	if round := g.n / len(idAlphabet); round > 0 {
		id += strconv.Itoa(round)
	}
	g.n++
	return id
}
