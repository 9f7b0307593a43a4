package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"seckill/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDuplicateKey 插入时主键/唯一键冲突，通常意味着同一消息被重放。
var ErrDuplicateKey = errors.New("store: duplicate key")

// Open 按驱动名打开数据库连接。
func Open(driver, dsn string, gl logger.Interface) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gl})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return db, nil
}

// Store 秒杀相关表的持久化访问，所有方法都可在事务内复用。
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate 自动建表。
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&model.Voucher{}, &model.VoucherSeckill{}, &model.VoucherOrder{})
}

// WithTx 在同一事务内执行 fn，fn 返回错误时整体回滚。
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// CreateSeckillVoucher 同一事务写入 voucher 与 voucher_seckill，sk.VoucherID 会被回填。
func (s *Store) CreateSeckillVoucher(ctx context.Context, v *model.Voucher, sk *model.VoucherSeckill) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.db.WithContext(ctx).Create(v).Error; err != nil {
			return fmt.Errorf("create voucher: %w", err)
		}
		sk.VoucherID = v.ID
		if err := tx.db.WithContext(ctx).Create(sk).Error; err != nil {
			return fmt.Errorf("create voucher_seckill: %w", err)
		}
		return nil
	})
}

// GetVoucher 查询优惠券，不存在时返回 (nil, nil)，供缓存 loader 区分“空”与“错”。
func (s *Store) GetVoucher(ctx context.Context, id int64) (*model.Voucher, error) {
	var v model.Voucher
	if err := s.db.WithContext(ctx).First(&v, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if v.Type == model.VoucherTypeSeckill {
		sk, err := s.GetSeckill(ctx, id)
		if err != nil {
			return nil, err
		}
		if sk != nil {
			v.Stock = sk.Stock
			v.BeginTime = &sk.BeginTime
			v.EndTime = &sk.EndTime
		}
	}
	return &v, nil
}

// UpdateVoucherStatus 修改上下架状态，返回是否命中记录。
func (s *Store) UpdateVoucherStatus(ctx context.Context, id int64, status int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Voucher{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteVouchers 先删 voucher_seckill 再删 voucher，普通券没有秒杀行也不报错。
func (s *Store) DeleteVouchers(ctx context.Context, ids []int64) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.db.WithContext(ctx).Where("voucher_id IN ?", ids).Delete(&model.VoucherSeckill{}).Error; err != nil {
			return fmt.Errorf("delete voucher_seckill: %w", err)
		}
		if err := tx.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.Voucher{}).Error; err != nil {
			return fmt.Errorf("delete voucher: %w", err)
		}
		return nil
	})
}

// GetSeckill 不存在时返回 (nil, nil)。
func (s *Store) GetSeckill(ctx context.Context, voucherID int64) (*model.VoucherSeckill, error) {
	var sk model.VoucherSeckill
	err := s.db.WithContext(ctx).Where("voucher_id = ?", voucherID).First(&sk).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sk, nil
}

// FindActiveOrder 查询 (userID, voucherID) 的未取消订单，不存在时返回 (nil, nil)。
func (s *Store) FindActiveOrder(ctx context.Context, userID, voucherID int64) (*model.VoucherOrder, error) {
	var o model.VoucherOrder
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND voucher_id = ? AND status <> ?", userID, voucherID, model.OrderCancelled).
		First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// DecrementStock 条件扣减：UPDATE ... SET stock = stock - 1 WHERE voucher_id = ? AND stock > 0。
// 返回 false 表示库存已为 0（或券不存在），不做扣减。
func (s *Store) DecrementStock(ctx context.Context, voucherID int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.VoucherSeckill{}).
		Where("voucher_id = ? AND stock > 0", voucherID).
		UpdateColumn("stock", gorm.Expr("stock - ?", 1))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CreateOrder 插入订单，主键冲突映射为 ErrDuplicateKey。
func (s *Store) CreateOrder(ctx context.Context, o *model.VoucherOrder) error {
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		if errorsLikeUnique(err) {
			return fmt.Errorf("%w: order %d", ErrDuplicateKey, o.ID)
		}
		return err
	}
	return nil
}

// GetOrder 不存在时返回 (nil, nil)。
func (s *Store) GetOrder(ctx context.Context, id int64) (*model.VoucherOrder, error) {
	var o model.VoucherOrder
	if err := s.db.WithContext(ctx).First(&o, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// CountOrders 统计某券的订单数。
func (s *Store) CountOrders(ctx context.Context, voucherID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.VoucherOrder{}).Where("voucher_id = ?", voucherID).Count(&n).Error
	return n, err
}

// errorsLikeUnique 兼容 sqlite / mysql 的唯一约束报错。
func errorsLikeUnique(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key")
}
