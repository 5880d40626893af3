package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"
)

// Pusher exports a run summary to a Prometheus Pushgateway. The grouping path
// embeds run_id, symbol, session and instance, so parallel runs never
// overwrite each other's series.
type Pusher struct {
	url      string
	job      string
	instance string
}

// NewPusher builds the exporter; url empty disables pushing.
func NewPusher(url, job, instance string) *Pusher {
	if job == "" {
		job = "tickpipe"
	}
	return &Pusher{url: url, job: job, instance: instance}
}

// Enabled reports whether a push target is configured.
func (p *Pusher) Enabled() bool { return p.url != "" }

// Push exports the summary under the given run labels.
func (p *Pusher) Push(sum *Summary, symbol, session string) error {
	if !p.Enabled() {
		return nil
	}

	reg := prometheus.NewRegistry()
	// second precision reduces ordering jitter between parallel pushers
	ts := time.Now().Truncate(time.Second)
	reg.MustRegister(summaryCollector{sum: sum, ts: ts})

	err := push.New(p.url, p.job).
		Gatherer(reg).
		Grouping("run_id", orUnknown(sum.RunID)).
		Grouping("symbol", orUnknown(symbol)).
		Grouping("session", orUnknown(session)).
		Grouping("instance", orUnknown(p.instance)).
		Push()
	if err != nil {
		return fmt.Errorf("pushgateway: %w", err)
	}
	log.Info().Str("url", p.url).Str("run_id", sum.RunID).Msg("metrics pushed")
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// summaryCollector emits the summary as timestamped gauges.
type summaryCollector struct {
	sum *Summary
	ts  time.Time
}

func (c summaryCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c summaryCollector) Collect(ch chan<- prometheus.Metric) {
	emit := func(name, help string, v float64) {
		desc := prometheus.NewDesc("tickpipe_"+name, help, nil, nil)
		ch <- prometheus.NewMetricWithTimestamp(c.ts,
			prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v))
	}
	emit("net_pnl", "Total net PnL", c.sum.Totals.NetPnL)
	emit("gross_pnl", "Total gross PnL", c.sum.Totals.GrossPnL)
	emit("fees", "Total fees paid", c.sum.Totals.Fees)
	emit("slippage", "Total slippage cost", c.sum.Totals.Slippage)
	emit("turnover", "Total traded notional", c.sum.Totals.Turnover)
	emit("trades_total", "Closed trades", float64(c.sum.Totals.Trades))
	emit("win_rate_daily", "Daily win rate", c.sum.WinRateDaily)
	emit("win_rate_trades", "Per-trade win rate", c.sum.WinRateTrades)
	emit("cost_bps_on_turnover", "Cost in bps of turnover", c.sum.CostBpsOnTurnover)
	emit("sharpe", "Annualised Sharpe ratio", c.sum.Sharpe)
	emit("sortino", "Annualised Sortino ratio", c.sum.Sortino)
	emit("max_drawdown", "Max drawdown of cumulative PnL", c.sum.MaxDrawdown)
	emit("mar", "MAR ratio", c.sum.MAR)
	emit("trades_per_hour", "Closed trades per hour", c.sum.TradesPerHour)
	emit("taker_ratio", "Taker share of turnover", c.sum.TakerRatio)
}
