package domain

import (
	"github.com/shopspring/decimal"
)

// weiPerEth 1 ETH = 10^18 wei
var weiPerEth = decimal.New(1, 18)

// WeiToEth 把最小单位整数字符串转换成 ETH 数值。
// 解析失败返回 0（坏数据按 0 价处理，不 panic）。
func WeiToEth(wei string) decimal.Decimal {
	d, err := decimal.NewFromString(wei)
	if err != nil {
		return decimal.Zero
	}
	return d.Div(weiPerEth)
}

// ReadableEthValue 人类可读的 ETH 价格（最多 4 位小数，去掉尾随 0）
func ReadableEthValue(wei string) string {
	return WeiToEth(wei).Round(4).String()
}
