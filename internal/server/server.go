// Package server 暴露引擎的本地 HTTP 控制面（只读快照 + 控制操作）。
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nftbot/gonft/internal/domain"
	"github.com/nftbot/gonft/internal/engine"
	"github.com/nftbot/gonft/internal/notifier"
)

var log = logrus.WithField("component", "server")

// Server 本地控制面服务
type Server struct {
	engine *engine.Engine
	httpd  *http.Server
}

// New 创建控制面服务
func New(eng *engine.Engine) *Server {
	return &Server{engine: eng}
}

// Router 构建路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)

	collections := api.Group("/collections")
	collections.GET("", s.handleCollectionsList)
	collections.POST("", s.handleCollectionWatch)
	collections.DELETE("/:slug", s.handleCollectionUnwatch)
	collections.PUT("/:slug/settings", s.handleCollectionSettings)

	rules := api.Group("/rules")
	rules.GET("", s.handleRulesList)
	rules.POST("", s.handleRuleCreate)
	rules.PUT("/:id", s.handleRuleReplace)
	rules.DELETE("/:id", s.handleRuleDelete)

	api.GET("/events", s.handleEvents)
	api.GET("/matches", s.handleMatchesList)
	api.DELETE("/matches", s.handleMatchesClear)
	api.POST("/panel", s.handlePanel)
	api.POST("/feed/retry", s.handleFeedRetry)

	return r
}

// Start 在给定地址上启动 HTTP 服务（非阻塞）
func (s *Server) Start(listen string) error {
	s.httpd = &http.Server{
		Addr:              listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("控制面监听 %s", listen)
		if err := s.httpd.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("控制面服务退出: %v", err)
		}
	}()
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"feedStatus": s.engine.FeedStatus(),
		"unseen":     s.engine.UnseenCount(),
		"watched":    len(s.engine.Watched()),
		"rules":      len(s.engine.Rules()),
	})
}

func (s *Server) handleCollectionsList(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Watched())
}

type watchRequest struct {
	Slug string `json:"slug" binding:"required"`
}

func (s *Server) handleCollectionWatch(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 slug"})
		return
	}
	col, err := s.engine.WatchCollection(c.Request.Context(), req.Slug)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, col)
}

func (s *Server) handleCollectionUnwatch(c *gin.Context) {
	s.engine.UnwatchCollection(c.Param("slug"))
	c.Status(http.StatusNoContent)
}

type settingsRequest struct {
	TraitCountExcluded bool `json:"traitCountExcluded"`
}

func (s *Server) handleCollectionSettings(c *gin.Context) {
	addr, ok := s.engine.ResolveContract(c.Param("slug"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "集合未被监控"})
		return
	}

	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体无效"})
		return
	}
	s.engine.SetTraitCountExcluded(addr, req.TraitCountExcluded)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRulesList(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Rules())
}

type ruleRequest struct {
	Slug             string              `json:"slug" binding:"required"`
	MinPrice         *float64            `json:"minPrice"`
	MaxPrice         *float64            `json:"maxPrice"`
	LowestRarity     string              `json:"lowestRarity"`
	LowestRankNumber *int                `json:"lowestRankNumber"`
	IncludeAuctions  bool                `json:"includeAuctions"`
	NameContains     notifier.NameFilter `json:"nameContains"`
	Traits           []string            `json:"traits"`
	AutoQuickBuy     bool                `json:"autoQuickBuy"`
	GasOverride      *domain.GasOverride `json:"gasOverride"`
}

func (r *ruleRequest) toInput() notifier.Input {
	return notifier.Input{
		MinPrice:         r.MinPrice,
		MaxPrice:         r.MaxPrice,
		LowestRarity:     r.LowestRarity,
		LowestRankNumber: r.LowestRankNumber,
		IncludeAuctions:  r.IncludeAuctions,
		NameContains:     r.NameContains,
		Traits:           r.Traits,
		AutoQuickBuy:     r.AutoQuickBuy,
		GasOverride:      r.GasOverride,
	}
}

func (s *Server) handleRuleCreate(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体无效"})
		return
	}
	n, err := s.engine.AddRule(c.Request.Context(), req.Slug, req.toInput())
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, n)
}

func (s *Server) handleRuleReplace(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体无效"})
		return
	}
	n, err := s.engine.ReplaceRule(c.Request.Context(), c.Param("id"), req.Slug, req.toInput())
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) handleRuleDelete(c *gin.Context) {
	if !s.engine.RemoveRule(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "规则不存在"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleEvents(c *gin.Context) {
	if t := c.Query("type"); t != "" {
		c.JSON(http.StatusOK, s.engine.EventsByType(domain.EventType(t)))
		return
	}
	c.JSON(http.StatusOK, s.engine.Events())
}

func (s *Server) handleMatchesList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"matches": s.engine.Matched(),
		"unseen":  s.engine.UnseenCount(),
	})
}

func (s *Server) handleMatchesClear(c *gin.Context) {
	s.engine.ClearMatches()
	c.Status(http.StatusNoContent)
}

type panelRequest struct {
	Open bool `json:"open"`
}

func (s *Server) handlePanel(c *gin.Context) {
	var req panelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体无效"})
		return
	}
	s.engine.SetPanelOpen(req.Open)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleFeedRetry(c *gin.Context) {
	s.engine.RetryFeed()
	c.JSON(http.StatusOK, gin.H{"feedStatus": s.engine.FeedStatus()})
}
