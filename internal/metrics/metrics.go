// Package metrics 定义秒杀链路的 Prometheus 指标。
// 所有方法对 nil *Metrics 安全，测试和工具里可以不注册指标。
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	purchases    *prometheus.CounterVec
	materialized *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	cacheLoads   *prometheus.CounterVec
}

// New 创建并注册全部指标，reg 为 nil 时使用独立 registry。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_purchase_total",
			Help: "Purchase requests by result.",
		}, []string{"result"}),
		materialized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_materialize_total",
			Help: "Consumed order messages by outcome.",
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_cache_lookups_total",
			Help: "Cache facade lookups by strategy and result.",
		}, []string{"strategy", "result"}),
		cacheLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seckill_cache_loader_calls_total",
			Help: "Loader invocations on cache miss by strategy.",
		}, []string{"strategy"}),
	}
	reg.MustRegister(m.purchases, m.materialized, m.cacheLookups, m.cacheLoads)
	return m
}

func (m *Metrics) Purchase(result string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(result).Inc()
}

func (m *Metrics) Materialized(outcome string) {
	if m == nil {
		return
	}
	m.materialized.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheLookup(strategy, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) CacheLoad(strategy string) {
	if m == nil {
		return
	}
	m.cacheLoads.WithLabelValues(strategy).Inc()
}

// PurchaseCount 读取计数，测试用。
func (m *Metrics) PurchaseCount(result string) float64 {
	return counterValue(m.purchases.WithLabelValues(result))
}

func (m *Metrics) MaterializedCount(outcome string) float64 {
	return counterValue(m.materialized.WithLabelValues(outcome))
}

func (m *Metrics) CacheLoadCount(strategy string) float64 {
	return counterValue(m.cacheLoads.WithLabelValues(strategy))
}
