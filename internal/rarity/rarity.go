package rarity

import "math"

// Tier 稀有度分层（按 top 百分比阈值从稀有到常见排序）
type Tier struct {
	Top  float64 // rank/tokenCount 小于等于该比例即属于本层
	Tier int     // 层级编号（1 最稀有）
	Name string
}

// Tiers 稀有度分层表。顺序即比较语义：下标越小越稀有。
// 规则匹配比较的是下标（序数），不是 Top 阈值本身，不要改动顺序。
var Tiers = []Tier{
	{Top: 0.001, Tier: 1, Name: "Legendary"},
	{Top: 0.01, Tier: 2, Name: "Epic"},
	{Top: 0.1, Tier: 3, Name: "Rare"},
	{Top: 0.5, Tier: 4, Name: "Uncommon"},
	{Top: math.Inf(1), Tier: 5, Name: "Common"},
}

// TierIndex 返回层级名称在分层表中的下标，未知名称返回 -1
func TierIndex(name string) int {
	for i, t := range Tiers {
		if t.Name == name {
			return i
		}
	}
	return -1
}

// DetermineType 根据排名和集合总量计算稀有度分层。
// rank == 1 永远是最高层；其余按 rank/tokenCount <= top 取第一个满足的层。
func DetermineType(rank, tokenCount int) Tier {
	if rank == 1 {
		return Tiers[0]
	}
	for _, t := range Tiers {
		if float64(rank)/float64(tokenCount) <= t.Top {
			return t
		}
	}
	return Tiers[len(Tiers)-1]
}

// TraitDescriptor 集合的一个 trait 取值及其出现次数
type TraitDescriptor struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
	Count     int    `json:"count"`
}

// Index 单个集合的稀有度索引。
// 排名从 1 开始；token 不在表内视为无排名（永远不满足带稀有度约束的规则）。
type Index struct {
	TokenCount            int            `json:"tokenCount"`
	IsRanked              bool           `json:"isRanked"`
	TokenRank             map[string]int `json:"tokenRank"`
	NoTraitCountTokenRank map[string]int `json:"noTraitCountTokenRank"`
	Traits                []TraitDescriptor `json:"traits"`
}

// NewUnranked 返回一个空的未排名索引（集合没有稀有度数据时使用）
func NewUnranked() *Index {
	return &Index{
		TokenRank:             map[string]int{},
		NoTraitCountTokenRank: map[string]int{},
		Traits:                []TraitDescriptor{},
	}
}

// Rank 查询 token 的排名。traitCountExcluded 选择是否使用剔除 trait 数量的打分模式。
// 返回 ok=false 表示无排名（索引缺失、集合未排名或 token 不在表内）。
func (ix *Index) Rank(tokenID string, traitCountExcluded bool) (int, bool) {
	if ix == nil {
		return 0, false
	}
	var m map[string]int
	if traitCountExcluded {
		m = ix.NoTraitCountTokenRank
	} else {
		m = ix.TokenRank
	}
	rank, ok := m[tokenID]
	if !ok || rank <= 0 {
		return 0, false
	}
	return rank, true
}
