package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grid_quant/internal/anchor"
	"grid_quant/internal/domain"
	"grid_quant/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JournalReader 流水查询
type JournalReader interface {
	ListFills(ctx context.Context, filter store.Filter) ([]domain.FillRecord, error)
	ListSyncRuns(ctx context.Context, filter store.Filter) ([]domain.SyncRun, error)
}

// OrderCache exposes the order ids the reconciler last saw live for a strategy.
type OrderCache interface {
	Tracked(key domain.StrategyKey) []string
}

// Runner reports whether the event loops are running.
type Runner interface {
	Running() bool
}

type Deps struct {
	Registry *anchor.Registry
	Orders   OrderCache
	Journal  JournalReader
	Loops    Runner
	Venue    string
	DryRun   bool
}

type Handler struct {
	deps    Deps
	timeout time.Duration
	started time.Time
}

func NewRouter(deps Deps, timeoutSec int) *gin.Engine {
	router := gin.Default()

	h := &Handler{
		deps:    deps,
		timeout: time.Duration(timeoutSec) * time.Second,
		started: time.Now().UTC(),
	}
	if h.timeout <= 0 {
		h.timeout = 15 * time.Second
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", h.health)
		v1.GET("/strategies", h.listStrategies)
		v1.GET("/strategies/:symbol/:direction", h.getStrategy)
		v1.POST("/strategies/:symbol/:direction/refresh", h.refreshStrategy)
		v1.GET("/fills", h.listFills)
		v1.GET("/syncs", h.listSyncs)
	}

	return router
}

func (h *Handler) health(c *gin.Context) {
	running := false
	if h.deps.Loops != nil {
		running = h.deps.Loops.Running()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"time":       time.Now().UTC(),
		"started_at": h.started,
		"venue":      h.deps.Venue,
		"dry_run":    h.deps.DryRun,
		"running":    running,
		"strategies": len(h.deps.Registry.All()),
	})
}

func (h *Handler) listStrategies(c *gin.Context) {
	snaps := h.deps.Registry.Snapshots()
	c.JSON(http.StatusOK, gin.H{
		"total":      len(snaps),
		"strategies": snaps,
	})
}

// getStrategy 单个策略详情：状态、网格档位、当前目标与已跟踪订单
func (h *Handler) getStrategy(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}
	var tracked []string
	if h.deps.Orders != nil {
		tracked = h.deps.Orders.Tracked(ctrl.Key())
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot":       ctrl.Snapshot(),
		"config":         ctrl.Config(),
		"tick_size":      ctrl.Ladder().TickSize(),
		"levels":         ctrl.Ladder().Levels(),
		"targets":        ctrl.Targets(),
		"tracked_orders": tracked,
	})
}

// refreshStrategy 手动触发一次对账，与成交/漂移触发共用策略锁
func (h *Handler) refreshStrategy(c *gin.Context) {
	ctrl, ok := h.lookup(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	if err := ctrl.Refresh(ctx, "manual"); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    err.Error(),
			"snapshot": ctrl.Snapshot(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": ctrl.Snapshot()})
}

func (h *Handler) listFills(c *gin.Context) {
	filter, ok := parseFilter(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	fills, err := h.deps.Journal.ListFills(ctx, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total": len(fills),
		"fills": fills,
	})
}

func (h *Handler) listSyncs(c *gin.Context) {
	filter, ok := parseFilter(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	runs, err := h.deps.Journal.ListSyncRuns(ctx, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total": len(runs),
		"syncs": runs,
	})
}

func (h *Handler) lookup(c *gin.Context) (*anchor.Controller, bool) {
	dir, err := domain.ParseDirection(c.Param("direction"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	key := domain.StrategyKey{Symbol: strings.ToUpper(strings.TrimSpace(c.Param("symbol"))), Direction: dir}
	ctrl, ok := h.deps.Registry.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "strategy " + key.String() + " not found"})
		return nil, false
	}
	return ctrl, true
}

// parseFilter 读取 ?symbol=&direction=&limit=
func parseFilter(c *gin.Context) (store.Filter, bool) {
	f := store.Filter{Symbol: strings.ToUpper(strings.TrimSpace(c.Query("symbol")))}
	if v := c.Query("direction"); v != "" {
		dir, err := domain.ParseDirection(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return f, false
		}
		f.Direction = dir
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	return f, true
}
