package marketplace

// 市场 API 原始返回结构（与线上格式一一对应，转换在 client 中完成）

type rawAssetContract struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

type rawAsset struct {
	TokenID       string           `json:"token_id"`
	Name          string           `json:"name"`
	ImageURL      string           `json:"image_url"`
	AssetContract rawAssetContract `json:"asset_contract"`
}

type rawPaymentToken struct {
	Symbol string `json:"symbol"`
}

type rawEvent struct {
	ID            int64            `json:"id"`
	EventType     string           `json:"event_type"`
	Asset         rawAsset         `json:"asset"`
	PaymentToken  *rawPaymentToken `json:"payment_token"`
	StartingPrice string           `json:"starting_price"` // CREATED 挂单价（wei）
	TotalPrice    string           `json:"total_price"`    // SUCCESSFUL 成交价（wei）
	CreatedDate   string           `json:"created_date"`
}

type rawEventsResponse struct {
	AssetEvents []rawEvent `json:"asset_events"`
}

type rawCollection struct {
	Slug            string `json:"slug"`
	Name            string `json:"name"`
	ImageURL        string `json:"image_url"`
	ContractAddress string `json:"contract_address"`
}

type rawTrait struct {
	TraitType string   `json:"trait_type"`
	Value     string   `json:"value"`
	TokenIDs  []string `json:"token_ids"`
}

type rawRarities struct {
	IsRanked              bool           `json:"is_ranked"`
	TokenCount            int            `json:"token_count"`
	TokenRank             map[string]int `json:"token_rank"`
	NoTraitCountTokenRank map[string]int `json:"no_trait_count_token_rank"`
	Traits                []rawTrait     `json:"traits"`
}
