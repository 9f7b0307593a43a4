package model

import "time"

// VoucherSeckill 秒杀库存与时间窗。
// Stock 只允许通过条件更新 stock = stock - 1 WHERE stock > 0 扣减。
type VoucherSeckill struct {
	VoucherID  int64     `gorm:"primaryKey;autoIncrement:false" json:"voucherId"`
	Stock      int64     `gorm:"not null;default:0" json:"stock"`
	BeginTime  time.Time `gorm:"not null" json:"beginTime"`
	EndTime    time.Time `gorm:"not null" json:"endTime"`
	CreateTime time.Time `gorm:"autoCreateTime" json:"createTime"`
	UpdateTime time.Time `gorm:"autoUpdateTime" json:"updateTime"`
}

func (VoucherSeckill) TableName() string { return "voucher_seckill" }

// OnSale 判断 t 是否落在 [BeginTime, EndTime) 内。
func (v VoucherSeckill) OnSale(t time.Time) bool {
	return !t.Before(v.BeginTime) && t.Before(v.EndTime)
}
