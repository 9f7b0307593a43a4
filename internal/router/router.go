package router

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"seckill/internal/middleware"
	"seckill/internal/model"
	"seckill/internal/seckill"
	"seckill/internal/voucher"
	rediskey "seckill/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Purchaser 抢购与结果查询。
type Purchaser interface {
	Purchase(ctx context.Context, voucherID, userID int64) (seckill.PurchaseResult, error)
	OrderStatus(ctx context.Context, orderID int64) (rediskey.OrderState, error)
}

// Vouchers 优惠券发布与读取。
type Vouchers interface {
	PublishSeckill(ctx context.Context, in voucher.PublishInput) (*model.Voucher, error)
	Get(ctx context.Context, id int64) (*model.Voucher, error)
	Stock(ctx context.Context, voucherID int64) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status int) error
	Delete(ctx context.Context, ids ...int64) error
}

// Options 路由需要的外部依赖与开关。
type Options struct {
	RDB           rd.Scripter // 限流
	Gatherer      prometheus.Gatherer
	Log           zerolog.Logger
	JWTSecret     string
	AdminToken    string
	BuyRateLimit  int
	BuyRateWindow time.Duration
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, p Purchaser, v Vouchers, opts Options) {
	r.Use(middleware.RequestLogger(opts.Log), middleware.Recovery(opts.Log))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	r.GET("/voucher/:id", getVoucher(v))
	r.GET("/voucher/seckill/:voucherId/stock", getStock(v))

	auth := r.Group("/voucher/seckill", middleware.Identity(opts.JWTSecret))
	auth.GET("/order/:orderId", getOrderStatus(p))
	buy := []gin.HandlerFunc{}
	if opts.RDB != nil {
		buy = append(buy, middleware.RateLimit(opts.RDB, opts.BuyRateLimit, opts.BuyRateWindow, opts.Log))
	}
	buy = append(buy, purchase(p))
	auth.POST("/:voucherId", buy...)

	admin := r.Group("/admin/voucher", requireAdmin(opts.AdminToken))
	admin.POST("/seckill", publishSeckill(v))
	admin.POST("/status/:status", updateStatus(v))
	admin.DELETE("/delete", deleteVouchers(v))
}

// purchase 抢购入口，只走缓存与队列；202 表示已受理，结果通过订单状态查询。
func purchase(p Purchaser) gin.HandlerFunc {
	return func(c *gin.Context) {
		voucherID, ok := pathID(c, "voucherId")
		if !ok {
			return
		}
		userID, _ := middleware.UserID(c)
		res, err := p.Purchase(c.Request.Context(), voucherID, userID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"code": 0, "orderId": res.OrderID})
	}
}

// getOrderStatus 查询异步落单进度：pending / created / discarded / failed。
func getOrderStatus(p Purchaser) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := pathID(c, "orderId")
		if !ok {
			return
		}
		st, err := p.OrderStatus(c.Request.Context(), orderID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": st})
	}
}

func getVoucher(v Vouchers) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		out, err := v.Get(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

// getStock 查询缓存中的实时库存。
func getStock(v Vouchers) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "voucherId")
		if !ok {
			return
		}
		n, err := v.Stock(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": n}})
	}
}

func publishSeckill(v Vouchers) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in voucher.PublishInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		out, err := v.PublishSeckill(c.Request.Context(), in)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

// updateStatus 上下架，券 id 走查询参数：/admin/voucher/status/2?id=1
func updateStatus(v Vouchers) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := strconv.Atoi(c.Param("status"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "status 无效"})
			return
		}
		id, err := strconv.ParseInt(c.Query("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "id 无效"})
			return
		}
		if err := v.UpdateStatus(c.Request.Context(), id, status); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0})
	}
}

// deleteVouchers 批量删除：/admin/voucher/delete?ids=1,2
func deleteVouchers(v Vouchers) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ids []int64
		for _, part := range strings.Split(c.Query("ids"), ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || id <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "ids 无效"})
				return
			}
			ids = append(ids, id)
		}
		if err := v.Delete(c.Request.Context(), ids...); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0})
	}
}

// requireAdmin 管理接口要求 X-Admin-Token，避免被任意调用重置库存。
func requireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		c.Next()
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": name + " 无效"})
		return 0, false
	}
	return id, true
}

// writeError 业务错误到 HTTP 状态的唯一映射。
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, seckill.ErrStockInsufficient), errors.Is(err, seckill.ErrDuplicateOrder):
		c.JSON(http.StatusConflict, gin.H{"code": 409, "reason": err.Error()})
	case errors.Is(err, voucher.ErrVoucherOnSale):
		c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": err.Error()})
	case errors.Is(err, seckill.ErrInvalidInput), errors.Is(err, seckill.ErrNotOnSale), errors.Is(err, voucher.ErrInvalidVoucher):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
	case errors.Is(err, seckill.ErrOrderNotFound), errors.Is(err, voucher.ErrVoucherNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": err.Error()})
	case errors.Is(err, seckill.ErrEnqueueFailed):
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": seckill.ErrEnqueueFailed.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "internal error"})
	}
}
