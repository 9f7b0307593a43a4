// Package voucher 秒杀券的发布与读取。读取走缓存门面，发布时同步预热库存与实体缓存。
package voucher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"seckill/internal/cache"
	"seckill/internal/model"
	"seckill/internal/store"
	rediskey "seckill/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidVoucher  = errors.New("invalid voucher")
	ErrVoucherNotFound = errors.New("voucher not found")
	// ErrVoucherOnSale 上架中或仍有库存的券不能删除。
	ErrVoucherOnSale = errors.New("voucher on sale")
)

const (
	StrategyLogical     = "logical"
	StrategyMutex       = "mutex"
	StrategyPassthrough = "passthrough"
)

// PublishInput 发布秒杀券的请求体，金额单位：分。
type PublishInput struct {
	ShopID      int64     `json:"shopId"`
	Title       string    `json:"title" binding:"required"`
	SubTitle    string    `json:"subTitle"`
	Rules       string    `json:"rules"`
	PayValue    int64     `json:"payValue" binding:"required,min=1"`
	ActualValue int64     `json:"actualValue" binding:"required,min=1"`
	Stock       int64     `json:"stock" binding:"required,min=1"`
	BeginTime   time.Time `json:"beginTime" binding:"required"`
	EndTime     time.Time `json:"endTime" binding:"required"`
}

func (in PublishInput) validate() error {
	switch {
	case strings.TrimSpace(in.Title) == "":
		return fmt.Errorf("%w: title required", ErrInvalidVoucher)
	case in.PayValue <= 0 || in.ActualValue <= 0:
		return fmt.Errorf("%w: payValue and actualValue must be positive", ErrInvalidVoucher)
	case in.Stock <= 0:
		return fmt.Errorf("%w: stock must be positive", ErrInvalidVoucher)
	case !in.EndTime.After(in.BeginTime):
		return fmt.Errorf("%w: endTime must be after beginTime", ErrInvalidVoucher)
	}
	return nil
}

type Service struct {
	store    *store.Store
	rdb      rd.Cmdable
	cache    *cache.Client
	log      zerolog.Logger
	strategy string
	ttl      time.Duration
}

type Option func(*Service)

// WithStrategy 读取策略：logical（默认）| mutex | passthrough。
func WithStrategy(s string) Option {
	return func(svc *Service) { svc.strategy = s }
}

// WithTTL 实体缓存时长；logical 策略下为逻辑过期时长。
func WithTTL(ttl time.Duration) Option {
	return func(svc *Service) { svc.ttl = ttl }
}

func NewService(st *store.Store, rdb rd.Cmdable, c *cache.Client, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    st,
		rdb:      rdb,
		cache:    c,
		log:      log.With().Str("component", "voucher").Logger(),
		strategy: StrategyLogical,
		ttl:      30 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PublishSeckill 落库 → 预热库存与时间窗 → 预热实体缓存。
// 库存预热失败时券已落库，返回错误由管理端重新发布。
func (s *Service) PublishSeckill(ctx context.Context, in PublishInput) (*model.Voucher, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	v := &model.Voucher{
		ShopID:      in.ShopID,
		Title:       in.Title,
		SubTitle:    in.SubTitle,
		Rules:       in.Rules,
		PayValue:    in.PayValue,
		ActualValue: in.ActualValue,
		Type:        model.VoucherTypeSeckill,
		Status:      model.VoucherStatusOnShelf,
	}
	sk := &model.VoucherSeckill{Stock: in.Stock, BeginTime: in.BeginTime, EndTime: in.EndTime}
	if err := s.store.CreateSeckillVoucher(ctx, v, sk); err != nil {
		return nil, err
	}
	v.Stock = sk.Stock
	v.BeginTime = &sk.BeginTime
	v.EndTime = &sk.EndTime

	if err := rediskey.PreloadStock(ctx, s.rdb, v.ID, sk.Stock, sk.BeginTime, sk.EndTime); err != nil {
		s.log.Error().Err(err).Int64("voucherId", v.ID).Msg("preload stock failed")
		return v, fmt.Errorf("preload stock: %w", err)
	}

	key := cache.Key(rediskey.VoucherCachePrefix, v.ID)
	var err error
	if s.strategy == StrategyLogical {
		err = s.cache.SetWithLogicalExpiry(ctx, key, v, s.ttl)
	} else {
		// 清掉可能存在的空值标记
		err = s.cache.Delete(ctx, key)
	}
	if err != nil {
		s.log.Warn().Err(err).Int64("voucherId", v.ID).Msg("warm voucher cache failed")
	}

	s.log.Info().Int64("voucherId", v.ID).Int64("stock", sk.Stock).Msg("seckill voucher published")
	return v, nil
}

// Get 按配置的策略经缓存读取优惠券。
func (s *Service) Get(ctx context.Context, id int64) (*model.Voucher, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: id=%d", ErrInvalidVoucher, id)
	}
	load := func(ctx context.Context, id int64) (*model.Voucher, error) {
		return s.store.GetVoucher(ctx, id)
	}

	var (
		v   *model.Voucher
		err error
	)
	switch s.strategy {
	case StrategyMutex:
		v, err = cache.GetOrLoadWithMutex(ctx, s.cache, rediskey.VoucherCachePrefix, id, load, s.ttl)
	case StrategyPassthrough:
		v, err = cache.GetOrLoad(ctx, s.cache, rediskey.VoucherCachePrefix, id, load, s.ttl)
	default:
		v, err = cache.GetOrLoadWithLogicalExpiry(ctx, s.cache, rediskey.VoucherCachePrefix, id, load, s.ttl)
	}
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrVoucherNotFound
	}
	return v, err
}

// Stock 缓存中的剩余库存；未预热返回 ErrVoucherNotFound。
func (s *Service) Stock(ctx context.Context, voucherID int64) (int64, error) {
	n, found, err := rediskey.GetStock(ctx, s.rdb, voucherID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrVoucherNotFound
	}
	return n, nil
}

// UpdateStatus 上下架。秒杀券下架后抢购脚本直接拒绝，重新上架恢复时间窗判断。
func (s *Service) UpdateStatus(ctx context.Context, id int64, status int) error {
	if id <= 0 {
		return fmt.Errorf("%w: id=%d", ErrInvalidVoucher, id)
	}
	switch status {
	case model.VoucherStatusOnShelf, model.VoucherStatusOffShelf, model.VoucherStatusExpired:
	default:
		return fmt.Errorf("%w: status=%d", ErrInvalidVoucher, status)
	}

	ok, err := s.store.UpdateVoucherStatus(ctx, id, status)
	if err != nil {
		return err
	}
	if !ok {
		return ErrVoucherNotFound
	}
	if err := rediskey.SetSuspended(ctx, s.rdb, id, status != model.VoucherStatusOnShelf); err != nil {
		return fmt.Errorf("update sale flag: %w", err)
	}
	s.invalidate(ctx, id)
	s.log.Info().Int64("voucherId", id).Int("status", status).Msg("voucher status updated")
	return nil
}

// Delete 批量删除，任一张上架中或仍有库存则整体拒绝。
func (s *Service) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: ids required", ErrInvalidVoucher)
	}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		for _, id := range ids {
			if err := s.checkDeletable(ctx, tx, id); err != nil {
				return err
			}
		}
		return tx.DeleteVouchers(ctx, ids)
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := rediskey.DropVoucher(ctx, s.rdb, id); err != nil {
			s.log.Warn().Err(err).Int64("voucherId", id).Msg("drop voucher keys failed")
		}
		s.invalidate(ctx, id)
	}
	s.log.Info().Ints64("voucherIds", ids).Msg("vouchers deleted")
	return nil
}

func (s *Service) checkDeletable(ctx context.Context, tx *store.Store, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: id=%d", ErrInvalidVoucher, id)
	}
	v, err := tx.GetVoucher(ctx, id)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("%w: id=%d", ErrVoucherNotFound, id)
	}
	if v.Status == model.VoucherStatusOnShelf {
		return fmt.Errorf("%w: id=%d is on shelf", ErrVoucherOnSale, id)
	}
	if v.Type != model.VoucherTypeSeckill {
		return nil
	}
	// 缓存库存先于库存表扣减，两边都为 0 才算售罄
	cached, found, err := rediskey.GetStock(ctx, s.rdb, id)
	if err != nil {
		return err
	}
	if v.Stock > 0 || (found && cached > 0) {
		return fmt.Errorf("%w: id=%d has stock left", ErrVoucherOnSale, id)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, id int64) {
	if err := s.cache.Delete(ctx, cache.Key(rediskey.VoucherCachePrefix, id)); err != nil {
		s.log.Warn().Err(err).Int64("voucherId", id).Msg("invalidate voucher cache failed")
	}
}
