// Package metrics exposes Prometheus metrics gathered at scrape time
// from the live components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicebridge/voicebridge/internal/media"
)

// CallStatsProvider exposes the inbound bridge's live counters.
type CallStatsProvider interface {
	ActiveCalls() int
	RTPStats() media.StatsSnapshot
}

// CampaignStatsProvider exposes the outbound batch counters.
type CampaignStatsProvider interface {
	Totals() (total, successful, failed, skipped, forcedAudio int)
}

// Collector is a prometheus.Collector that queries providers at scrape
// time. Any provider may be nil if the binary does not carry that
// component.
type Collector struct {
	calls     CallStatsProvider
	campaign  CampaignStatsProvider
	startTime time.Time

	activeCallsDesc    *prometheus.Desc
	rtpPacketsInDesc   *prometheus.Desc
	rtpPacketsOutDesc  *prometheus.Desc
	rtpBytesInDesc     *prometheus.Desc
	rtpBytesOutDesc    *prometheus.Desc
	rtpInvalidDesc     *prometheus.Desc
	rtpSilenceDesc     *prometheus.Desc
	rtpUnderflowDesc   *prometheus.Desc
	campaignJobsDesc   *prometheus.Desc
	campaignForcedDesc *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates the collector.
func NewCollector(calls CallStatsProvider, campaign CampaignStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		campaign:  campaign,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voicebridge_active_calls",
			"Number of live inbound call sessions",
			nil, nil,
		),
		rtpPacketsInDesc: prometheus.NewDesc(
			"voicebridge_rtp_packets_in_total",
			"RTP packets received across all endpoints",
			nil, nil,
		),
		rtpPacketsOutDesc: prometheus.NewDesc(
			"voicebridge_rtp_packets_out_total",
			"RTP packets sent across all endpoints",
			nil, nil,
		),
		rtpBytesInDesc: prometheus.NewDesc(
			"voicebridge_rtp_bytes_in_total",
			"RTP payload bytes received across all endpoints",
			nil, nil,
		),
		rtpBytesOutDesc: prometheus.NewDesc(
			"voicebridge_rtp_bytes_out_total",
			"RTP payload bytes sent across all endpoints",
			nil, nil,
		),
		rtpInvalidDesc: prometheus.NewDesc(
			"voicebridge_rtp_invalid_frames_total",
			"Datagrams dropped because they did not parse as RTP",
			nil, nil,
		),
		rtpSilenceDesc: prometheus.NewDesc(
			"voicebridge_rtp_silence_frames_total",
			"Near-silent ingress frames replaced with clean silence",
			nil, nil,
		),
		rtpUnderflowDesc: prometheus.NewDesc(
			"voicebridge_rtp_underflow_fills_total",
			"Silence frames injected on egress underflow",
			nil, nil,
		),
		campaignJobsDesc: prometheus.NewDesc(
			"voicebridge_campaign_jobs_total",
			"Campaign jobs by outcome",
			[]string{"outcome"}, nil,
		),
		campaignForcedDesc: prometheus.NewDesc(
			"voicebridge_campaign_forced_audio_total",
			"Jobs completed through the silent-timeout fallback instead of a confirmed playback",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicebridge_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.rtpPacketsInDesc
	ch <- c.rtpPacketsOutDesc
	ch <- c.rtpBytesInDesc
	ch <- c.rtpBytesOutDesc
	ch <- c.rtpInvalidDesc
	ch <- c.rtpSilenceDesc
	ch <- c.rtpUnderflowDesc
	ch <- c.campaignJobsDesc
	ch <- c.campaignForcedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCalls()),
		)
		rtp := c.calls.RTPStats()
		ch <- prometheus.MustNewConstMetric(c.rtpPacketsInDesc, prometheus.CounterValue, float64(rtp.PacketsIn))
		ch <- prometheus.MustNewConstMetric(c.rtpPacketsOutDesc, prometheus.CounterValue, float64(rtp.PacketsOut))
		ch <- prometheus.MustNewConstMetric(c.rtpBytesInDesc, prometheus.CounterValue, float64(rtp.BytesIn))
		ch <- prometheus.MustNewConstMetric(c.rtpBytesOutDesc, prometheus.CounterValue, float64(rtp.BytesOut))
		ch <- prometheus.MustNewConstMetric(c.rtpInvalidDesc, prometheus.CounterValue, float64(rtp.InvalidFrames))
		ch <- prometheus.MustNewConstMetric(c.rtpSilenceDesc, prometheus.CounterValue, float64(rtp.SilenceCleaned))
		ch <- prometheus.MustNewConstMetric(c.rtpUnderflowDesc, prometheus.CounterValue, float64(rtp.UnderflowFills))
	}

	if c.campaign != nil {
		_, successful, failed, skipped, forced := c.campaign.Totals()
		ch <- prometheus.MustNewConstMetric(c.campaignJobsDesc, prometheus.CounterValue, float64(successful), "successful")
		ch <- prometheus.MustNewConstMetric(c.campaignJobsDesc, prometheus.CounterValue, float64(failed), "failed")
		ch <- prometheus.MustNewConstMetric(c.campaignJobsDesc, prometheus.CounterValue, float64(skipped), "skipped")
		ch <- prometheus.MustNewConstMetric(c.campaignForcedDesc, prometheus.CounterValue, float64(forced))
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
