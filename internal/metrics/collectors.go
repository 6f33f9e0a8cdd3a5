// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LinkStats 链路统计数据接口
type LinkStats interface {
	GetState() string
	GetUptimeSeconds() float64
	GetLinkStats() LinkStatData
}

// LinkStatData 链路统计快照
type LinkStatData struct {
	DataSent       uint64
	DataReceived   uint64
	AcksSent       uint64
	AcksReceived   uint64
	Promotions     uint64
	Demotions      uint64
	LossObserved   uint64
	LossEstimate   uint64
	SmoothedLoss   float64
	SNRMean        float64
	SNRStdDev      float64
	SNRSmoothed    float64
	StaleAfterSec  float64
	LastSendAgeSec float64
	AckSmoothedSec float64
	AckSuggestSec  float64
}

// LinkStates 所有状态名
var LinkStates = []string{"idle", "sending", "awaiting_ack", "receiving", "ack_pending", "stopped"}

// LinkCollector 链路指标收集器
type LinkCollector struct {
	statsProvider LinkStats

	stateDesc        *prometheus.Desc
	uptimeDesc       *prometheus.Desc
	dataSentDesc     *prometheus.Desc
	dataRecvDesc     *prometheus.Desc
	acksSentDesc     *prometheus.Desc
	acksRecvDesc     *prometheus.Desc
	promotionsDesc   *prometheus.Desc
	demotionsDesc    *prometheus.Desc
	lossObservedDesc *prometheus.Desc
	lossEstDesc      *prometheus.Desc
	smoothedLossDesc *prometheus.Desc
	snrMeanDesc      *prometheus.Desc
	snrStdDevDesc    *prometheus.Desc
	snrSmoothedDesc  *prometheus.Desc
	lastSendAgeDesc  *prometheus.Desc
	staleAfterDesc   *prometheus.Desc
	ackSmoothedDesc  *prometheus.Desc
	ackSuggestDesc   *prometheus.Desc
}

// NewLinkCollector 创建链路收集器
func NewLinkCollector(provider LinkStats) *LinkCollector {
	subsystem := "link"
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}

	return &LinkCollector{
		statsProvider: provider,

		stateDesc:        desc("state", "Current coordinator state (1 = active)", "state"),
		uptimeDesc:       desc("uptime_seconds", "Coordinator uptime in seconds"),
		dataSentDesc:     desc("data_sent_total", "Data frames transmitted"),
		dataRecvDesc:     desc("data_received_total", "Data frames accepted"),
		acksSentDesc:     desc("acks_sent_total", "ACK frames transmitted"),
		acksRecvDesc:     desc("acks_received_total", "ACK frames received"),
		promotionsDesc:   desc("promotions_total", "Encoding level increases"),
		demotionsDesc:    desc("demotions_total", "Encoding level decreases"),
		lossObservedDesc: desc("loss_observed_total", "Sequence numbers fed to the loss tracker"),
		lossEstDesc:      desc("loss_estimated_total", "Frames inferred lost from sequence gaps"),
		smoothedLossDesc: desc("loss_smoothed_percent", "EWMA of the published loss percentage"),
		snrMeanDesc:      desc("snr_window_mean_db", "Mean SNR over the recent sample window"),
		snrStdDevDesc:    desc("snr_window_stddev_db", "SNR standard deviation over the recent sample window"),
		snrSmoothedDesc:  desc("snr_smoothed_db", "EWMA of decoded frame SNR"),
		lastSendAgeDesc:  desc("last_send_age_seconds", "Seconds since the last data frame was sent"),
		staleAfterDesc:   desc("stale_after_seconds", "Silence after which the encoding drops one level"),
		ackSmoothedDesc:  desc("ack_latency_smoothed_seconds", "Smoothed data-to-ACK latency"),
		ackSuggestDesc:   desc("ack_timeout_suggested_seconds", "SRTT + 4*RTTVAR of the ACK latency"),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *LinkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.uptimeDesc
	ch <- c.dataSentDesc
	ch <- c.dataRecvDesc
	ch <- c.acksSentDesc
	ch <- c.acksRecvDesc
	ch <- c.promotionsDesc
	ch <- c.demotionsDesc
	ch <- c.lossObservedDesc
	ch <- c.lossEstDesc
	ch <- c.smoothedLossDesc
	ch <- c.snrMeanDesc
	ch <- c.snrStdDevDesc
	ch <- c.snrSmoothedDesc
	ch <- c.lastSendAgeDesc
	ch <- c.staleAfterDesc
	ch <- c.ackSmoothedDesc
	ch <- c.ackSuggestDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *LinkCollector) Collect(ch chan<- prometheus.Metric) {
	current := c.statsProvider.GetState()
	for _, state := range LinkStates {
		val := 0.0
		if state == current {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, val, state)
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, c.statsProvider.GetUptimeSeconds())

	s := c.statsProvider.GetLinkStats()
	ch <- prometheus.MustNewConstMetric(c.dataSentDesc, prometheus.CounterValue, float64(s.DataSent))
	ch <- prometheus.MustNewConstMetric(c.dataRecvDesc, prometheus.CounterValue, float64(s.DataReceived))
	ch <- prometheus.MustNewConstMetric(c.acksSentDesc, prometheus.CounterValue, float64(s.AcksSent))
	ch <- prometheus.MustNewConstMetric(c.acksRecvDesc, prometheus.CounterValue, float64(s.AcksReceived))
	ch <- prometheus.MustNewConstMetric(c.promotionsDesc, prometheus.CounterValue, float64(s.Promotions))
	ch <- prometheus.MustNewConstMetric(c.demotionsDesc, prometheus.CounterValue, float64(s.Demotions))
	ch <- prometheus.MustNewConstMetric(c.lossObservedDesc, prometheus.CounterValue, float64(s.LossObserved))
	ch <- prometheus.MustNewConstMetric(c.lossEstDesc, prometheus.CounterValue, float64(s.LossEstimate))
	ch <- prometheus.MustNewConstMetric(c.smoothedLossDesc, prometheus.GaugeValue, s.SmoothedLoss)
	ch <- prometheus.MustNewConstMetric(c.snrMeanDesc, prometheus.GaugeValue, s.SNRMean)
	ch <- prometheus.MustNewConstMetric(c.snrStdDevDesc, prometheus.GaugeValue, s.SNRStdDev)
	ch <- prometheus.MustNewConstMetric(c.snrSmoothedDesc, prometheus.GaugeValue, s.SNRSmoothed)
	ch <- prometheus.MustNewConstMetric(c.lastSendAgeDesc, prometheus.GaugeValue, s.LastSendAgeSec)
	ch <- prometheus.MustNewConstMetric(c.staleAfterDesc, prometheus.GaugeValue, s.StaleAfterSec)
	ch <- prometheus.MustNewConstMetric(c.ackSmoothedDesc, prometheus.GaugeValue, s.AckSmoothedSec)
	ch <- prometheus.MustNewConstMetric(c.ackSuggestDesc, prometheus.GaugeValue, s.AckSuggestSec)
}
