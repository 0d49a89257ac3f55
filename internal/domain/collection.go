package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nftbot/gonft/internal/rarity"
)

// Collection 被监控的集合。
// slug 是市场侧标识，contractAddress 是链上标识，两者在不同上下文中分别作为查找键。
// 加载后除 Rarities 可被刷新外不可变。
type Collection struct {
	Slug            string        `json:"slug"`
	ContractAddress string        `json:"contractAddress"`
	Name            string        `json:"name"`
	ImageURL        string        `json:"imageUrl"`
	Rarities        *rarity.Index `json:"rarities"`
}

// NormalizeAddress 规范化合约地址用于比较。
// 合法的十六进制地址统一转成小写校验后的形式；其他值（如占位地址）原样返回。
func NormalizeAddress(addr string) string {
	if common.IsHexAddress(addr) {
		return strings.ToLower(common.HexToAddress(addr).Hex())
	}
	return addr
}

// SameAddress 判断两个合约地址是否指向同一合约
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}

// GasOverride 自动购买时的 gas 覆盖（gwei）
type GasOverride struct {
	Fee         int `json:"fee"`         // maxFeePerGas
	PriorityFee int `json:"priorityFee"` // maxPriorityFeePerGas
}
