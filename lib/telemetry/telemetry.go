// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package telemetry

import (
	"net/http"
	"time"

	"github.com/armon/go-metrics"
	"github.com/armon/go-metrics/datadog"
	"github.com/armon/go-metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config is the telemetry block of the configuration file.
type Config struct {
	// Disable turns metrics off entirely. Components still call go-metrics
	// but the global sink discards everything.
	Disable bool `mapstructure:"disable"`

	// MetricsPrefix is prepended to every metric key.
	MetricsPrefix string `mapstructure:"metrics_prefix"`

	DisableHostname bool     `mapstructure:"disable_hostname"`
	FilterDefault   bool     `mapstructure:"filter_default"`
	AllowedPrefixes []string `mapstructure:"prefix_filter_allow"`
	BlockedPrefixes []string `mapstructure:"prefix_filter_block"`

	StatsiteAddr  string   `mapstructure:"statsite_address"`
	StatsdAddr    string   `mapstructure:"statsd_address"`
	DogstatsdAddr string   `mapstructure:"dogstatsd_addr"`
	DogstatsdTags []string `mapstructure:"dogstatsd_tags"`

	// PrometheusRetentionTime enables the Prometheus sink when positive.
	// Gauges not updated for this long are dropped from the exposition.
	PrometheusRetentionTime time.Duration `mapstructure:"prometheus_retention_time"`

	// InmemInterval and InmemRetain size the in-memory sink, which is
	// always installed.
	InmemInterval time.Duration `mapstructure:"inmem_interval"`
	InmemRetain   time.Duration `mapstructure:"inmem_retain"`
}

const (
	defaultMetricsPrefix = "feedmux"
	defaultInmemInterval = 10 * time.Second
	defaultInmemRetain   = time.Minute
)

// DefaultConfig returns telemetry settings with only the in-memory sink.
func DefaultConfig() Config {
	return Config{
		MetricsPrefix: defaultMetricsPrefix,
		FilterDefault: true,
		InmemInterval: defaultInmemInterval,
		InmemRetain:   defaultInmemRetain,
	}
}

// Metrics is what Init installed.
type Metrics struct {
	client     *metrics.Metrics
	inmemSink  *metrics.InmemSink
	promSink   *prometheus.PrometheusSink
	signal     *metrics.InmemSignal
	registerer prom.Registerer
}

func (m *Metrics) InmemSink() *metrics.InmemSink { return m.inmemSink }

// Handler serves the Prometheus exposition of the installed sink. It
// reports 404 when the Prometheus sink is disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.promSink == nil {
		return http.NotFoundHandler()
	}
	return promhttp.Handler()
}

// Shutdown stops the signal handler and removes the Prometheus collector
// from the default registry so Init may be called again.
func (m *Metrics) Shutdown() {
	if m == nil {
		return
	}
	if m.signal != nil {
		m.signal.Stop()
	}
	if m.promSink != nil {
		m.registerer.Unregister(m.promSink)
	}
	if m.client != nil {
		m.client.Shutdown()
	}
}

// sinkFn takes Config and builds a sink to be composed in the FanOutSink
type sinkFn func(Config) (metrics.MetricSink, error)

func statsiteSink(cfg Config) (metrics.MetricSink, error) {
	if cfg.StatsiteAddr == "" {
		return nil, nil
	}
	return metrics.NewStatsiteSink(cfg.StatsiteAddr)
}

func statsdSink(cfg Config) (metrics.MetricSink, error) {
	if cfg.StatsdAddr == "" {
		return nil, nil
	}
	return metrics.NewStatsdSink(cfg.StatsdAddr)
}

func dogstatsdSink(cfg Config) (metrics.MetricSink, error) {
	if cfg.DogstatsdAddr == "" {
		return nil, nil
	}
	sink, err := datadog.NewDogStatsdSink(cfg.DogstatsdAddr, "")
	if err != nil {
		return nil, err
	}
	sink.SetTags(cfg.DogstatsdTags)
	return sink, nil
}

func prometheusSink(cfg Config) (metrics.MetricSink, error) {
	if cfg.PrometheusRetentionTime.Nanoseconds() < 1 {
		return nil, nil
	}
	return prometheus.NewPrometheusSinkFrom(prometheus.PrometheusOpts{
		Expiration: cfg.PrometheusRetentionTime,
	})
}

// initSinks builds every configured external sink. All of them must
// succeed.
func initSinks(cfg Config) (metrics.FanoutSink, error) {
	var sinks metrics.FanoutSink
	for _, fn := range []sinkFn{statsiteSink, statsdSink, dogstatsdSink, prometheusSink} {
		s, err := fn(cfg)
		if err != nil {
			return nil, err
		}
		if s != nil {
			sinks = append(sinks, s)
		}
	}
	return sinks, nil
}

// Init installs the global go-metrics registry. The in-memory sink is
// always present and dumped to stderr on SIGUSR1.
func Init(cfg Config) (*Metrics, error) {
	if cfg.Disable {
		client, err := metrics.NewGlobal(metrics.DefaultConfig(""), &metrics.BlackholeSink{})
		if err != nil {
			return nil, err
		}
		return &Metrics{client: client}, nil
	}
	if cfg.InmemInterval <= 0 {
		cfg.InmemInterval = defaultInmemInterval
	}
	if cfg.InmemRetain <= 0 {
		cfg.InmemRetain = defaultInmemRetain
	}

	memSink := metrics.NewInmemSink(cfg.InmemInterval, cfg.InmemRetain)
	out := &Metrics{
		inmemSink:  memSink,
		signal:     metrics.DefaultInmemSignal(memSink),
		registerer: prom.DefaultRegisterer,
	}

	mCfg := metrics.DefaultConfig(cfg.MetricsPrefix)
	mCfg.EnableHostname = !cfg.DisableHostname
	mCfg.FilterDefault = cfg.FilterDefault
	mCfg.AllowedPrefixes = cfg.AllowedPrefixes
	mCfg.BlockedPrefixes = cfg.BlockedPrefixes

	sinks, err := initSinks(cfg)
	if err != nil {
		out.signal.Stop()
		return nil, err
	}
	for _, s := range sinks {
		if ps, ok := s.(*prometheus.PrometheusSink); ok {
			out.promSink = ps
		}
	}

	if len(sinks) == 0 {
		// Hostname is irrelevant for on-host telemetry
		mCfg.EnableHostname = false
		out.client, err = metrics.NewGlobal(mCfg, memSink)
	} else {
		sinks = append(sinks, memSink)
		out.client, err = metrics.NewGlobal(mCfg, sinks)
	}
	if err != nil {
		out.Shutdown()
		return nil, err
	}
	return out, nil
}
