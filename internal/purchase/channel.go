// Package purchase 是自动购买的出口通道：匹配侧只负责投递请求，
// 真正的签名与提交由通道消费方（钱包侧）完成。
package purchase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nftbot/gonft/internal/dispatch"
)

var log = logrus.WithField("component", "purchase")

// Request 带关联 ID 的购买请求
type Request struct {
	ID          string    `json:"id"`
	ListingID   string    `json:"listingId"`
	TokenID     string    `json:"tokenId"`
	Contract    string    `json:"contract"`
	PriceWei    string    `json:"priceWei"`
	RuleID      string    `json:"ruleId"`
	GasFee      int       `json:"gasFee"`      // gwei
	GasPriority int       `json:"gasPriority"` // gwei
	SubmittedAt time.Time `json:"submittedAt"`
}

// Result 购买结果回执（按 Request.ID 关联）
type Result struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Channel 购买请求通道。
// Submit 即发即忘：请求入队即返回，结果通过 Complete 异步回执。
// 同一 listingId 在回执到达前只会在途一次。
type Channel struct {
	requests chan Request

	mu        sync.Mutex
	pending   map[string]Request // request id -> 在途请求
	inFlight  map[string]string  // listing id -> request id
	closed    bool
}

var _ dispatch.PurchaseSubmitter = (*Channel)(nil)

// NewChannel 创建购买通道（size 为队列容量，默认 16）
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 16
	}
	return &Channel{
		requests: make(chan Request, size),
		pending:  make(map[string]Request),
		inFlight: make(map[string]string),
	}
}

// Submit 投递购买请求。队列满或同一挂单已在途时返回错误。
func (c *Channel) Submit(ctx context.Context, req dispatch.PurchaseRequest) error {
	if req.Event == nil {
		return errors.New("购买请求缺少事件")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("购买通道已关闭")
	}
	if reqID, dup := c.inFlight[req.Event.ListingID]; dup {
		c.mu.Unlock()
		return errors.Errorf("挂单 %s 已有在途购买请求 %s", req.Event.ListingID, reqID)
	}

	r := Request{
		ID:          uuid.NewString(),
		ListingID:   req.Event.ListingID,
		TokenID:     req.Event.TokenID,
		Contract:    req.Event.ContractAddress,
		PriceWei:    req.Event.Price,
		RuleID:      req.RuleID,
		SubmittedAt: time.Now(),
	}
	if req.GasOverride != nil {
		r.GasFee = req.GasOverride.Fee
		r.GasPriority = req.GasOverride.PriorityFee
	}
	c.pending[r.ID] = r
	c.inFlight[r.ListingID] = r.ID
	c.mu.Unlock()

	select {
	case c.requests <- r:
		log.Infof("购买请求 %s 已投递（挂单 %s，规则 %s）", r.ID, r.ListingID, r.RuleID)
		return nil
	case <-ctx.Done():
		c.remove(r)
		return ctx.Err()
	default:
		c.remove(r)
		return errors.New("购买队列已满")
	}
}

// Requests 消费端通道
func (c *Channel) Requests() <-chan Request {
	return c.requests
}

// Complete 回执购买结果，释放在途标记
func (c *Channel) Complete(res Result) {
	c.mu.Lock()
	r, ok := c.pending[res.ID]
	if ok {
		delete(c.pending, res.ID)
		delete(c.inFlight, r.ListingID)
	}
	c.mu.Unlock()

	if !ok {
		log.Warnf("收到未知购买回执 %s", res.ID)
		return
	}
	if res.Success {
		log.Infof("购买 %s 成功（挂单 %s，tx %s）", res.ID, r.ListingID, res.TxHash)
	} else {
		log.Warnf("购买 %s 失败（挂单 %s）: %s", res.ID, r.ListingID, res.Error)
	}
}

// PendingCount 在途请求数
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close 关闭通道，消费端的 range 循环随之退出
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.requests)
}

func (c *Channel) remove(r Request) {
	c.mu.Lock()
	delete(c.pending, r.ID)
	delete(c.inFlight, r.ListingID)
	c.mu.Unlock()
}
