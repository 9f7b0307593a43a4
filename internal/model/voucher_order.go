package model

import "time"

// OrderStatus 订单状态
type OrderStatus int

const (
	OrderUnpaid    OrderStatus = iota + 1 // 未支付
	OrderPaid                             // 已支付
	OrderUsed                             // 已核销
	OrderCancelled                        // 已取消
	OrderRefunding                        // 退款中
	OrderRefunded                         // 已退款
)

const (
	PayBalance = 1
	PayAlipay  = 2
	PayWechat  = 3
)

// VoucherOrder 秒杀订单，ID 由全局 ID 生成器分配，不使用自增。
type VoucherOrder struct {
	ID         int64       `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID     int64       `gorm:"not null;index:idx_user_voucher,priority:1" json:"userId"`
	VoucherID  int64       `gorm:"not null;index:idx_user_voucher,priority:2" json:"voucherId"`
	PayType    int         `gorm:"not null;default:1" json:"payType"`
	Status     OrderStatus `gorm:"not null;default:1" json:"status"`
	CreateTime time.Time   `gorm:"autoCreateTime" json:"createTime"`
	PayTime    *time.Time  `json:"payTime,omitempty"`
	UseTime    *time.Time  `json:"useTime,omitempty"`
	RefundTime *time.Time  `json:"refundTime,omitempty"`
	UpdateTime time.Time   `gorm:"autoUpdateTime" json:"updateTime"`
}

func (VoucherOrder) TableName() string { return "voucher_order" }
