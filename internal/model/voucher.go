package model

import "time"

const (
	VoucherTypeNormal  = 0
	VoucherTypeSeckill = 1
)

const (
	VoucherStatusOnShelf  = 1
	VoucherStatusOffShelf = 2
	VoucherStatusExpired  = 3
)

// Voucher 优惠券主体，秒杀券另有 VoucherSeckill 一行与之一一对应。
type Voucher struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id" msgpack:"id"`
	ShopID      int64     `gorm:"not null;default:0;index" json:"shopId" msgpack:"shopId"`
	Title       string    `gorm:"size:255;not null" json:"title" msgpack:"title"`
	SubTitle    string    `gorm:"size:255" json:"subTitle" msgpack:"subTitle"`
	Rules       string    `gorm:"size:1024" json:"rules" msgpack:"rules"`
	PayValue    int64     `gorm:"not null" json:"payValue" msgpack:"payValue"`       // 支付金额，单位：分
	ActualValue int64     `gorm:"not null" json:"actualValue" msgpack:"actualValue"` // 抵扣金额，单位：分
	Type        int       `gorm:"not null;default:0" json:"type" msgpack:"type"`
	Status      int       `gorm:"not null;default:1" json:"status" msgpack:"status"`
	CreateTime  time.Time `gorm:"autoCreateTime" json:"createTime" msgpack:"createTime"`
	UpdateTime  time.Time `gorm:"autoUpdateTime" json:"updateTime" msgpack:"updateTime"`

	// 秒杀字段只用于展示，不落在 voucher 表
	Stock     int64      `gorm:"-" json:"stock,omitempty" msgpack:"stock,omitempty"`
	BeginTime *time.Time `gorm:"-" json:"beginTime,omitempty" msgpack:"beginTime,omitempty"`
	EndTime   *time.Time `gorm:"-" json:"endTime,omitempty" msgpack:"endTime,omitempty"`
}

func (Voucher) TableName() string { return "voucher" }
