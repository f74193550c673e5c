// Package metrics provides Prometheus metrics for the position keeper
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set keeper 全量指标。通过显式 Registerer 构造，测试里可用独立 registry。
type Set struct {
	CyclesTotal      prometheus.Counter
	CyclesSkipped    prometheus.Counter
	TriggersTotal    *prometheus.CounterVec // side: take_profit / stop_loss
	SubmissionsTotal *prometheus.CounterVec // result: confirmed / reverted / unconfirmed / error
	UnsafeCloseTotal prometheus.Counter
	EvalSkipsTotal   *prometheus.CounterVec // reason
	FeedStaleness    *prometheus.GaugeVec   // feed
	ProbesTotal      *prometheus.CounterVec // class
	WorkingSetSize   prometheus.Gauge
}

func NewSet(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "keeper_cycles_total", Help: "完成的评估周期数",
		}),
		CyclesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "keeper_cycles_skipped_total", Help: "上一周期未结束而跳过的周期数",
		}),
		TriggersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_triggers_total", Help: "判定为已触发的次数",
		}, []string{"side"}),
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_submissions_total", Help: "平仓提交结果计数",
		}, []string{"result"}),
		UnsafeCloseTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "keeper_unsafe_close_total", Help: "预检判定不安全、转为补仓建议的次数",
		}),
		EvalSkipsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_eval_skips_total", Help: "单仓位评估跳过计数",
		}, []string{"reason"}),
		FeedStaleness: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keeper_feed_staleness_seconds", Help: "各喂价距上次更新的秒数",
		}, []string{"feed"}),
		ProbesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_discovery_probes_total", Help: "索引探测分类计数",
		}, []string{"class"}),
		WorkingSetSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_working_set_size", Help: "工作集内的仓位数",
		}),
	}
}

// StartMetricsServer 启动Prometheus指标服务器
func StartMetricsServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}
