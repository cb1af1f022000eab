// Package monitoring serves governor state as Prometheus metrics. The
// collector reads the most recent snapshot at scrape time, so scrapes
// never touch the governor itself.
package monitoring

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codeberg.org/mutker/picogov/internal/errors"
	"codeberg.org/mutker/picogov/internal/governor"
	"codeberg.org/mutker/picogov/internal/logger"
)

const readHeaderTimeout = 5 * time.Second

var (
	levelDesc = prometheus.NewDesc("picogov_power_level",
		"Active power level (0=ULTRA_LOW to 4=TURBO)", []string{"level"}, nil)
	frequencyDesc = prometheus.NewDesc("picogov_frequency_khz",
		"System clock frequency in kHz", nil, nil)
	voltageDesc = prometheus.NewDesc("picogov_voltage_mv",
		"Core voltage in millivolts", nil, nil)
	loadDesc = prometheus.NewDesc("picogov_load_percent",
		"CPU load percentage", []string{"kind"}, nil)
	temperatureDesc = prometheus.NewDesc("picogov_temperature_celsius",
		"Die temperature in celsius", nil, nil)
	stateDesc = prometheus.NewDesc("picogov_state",
		"Governor state flags (1 = active)", []string{"flag"}, nil)
	transitionsDesc = prometheus.NewDesc("picogov_transitions_total",
		"Completed power level transitions", nil, nil)
	fallbacksDesc = prometheus.NewDesc("picogov_fallbacks_total",
		"Fallback operating point applications", nil, nil)
)

// collectorImpl adapts collect and describe closures to the Collector
// interface.
type collectorImpl struct {
	collectFunc  func(ch chan<- prometheus.Metric)
	describeFunc func(ch chan<- *prometheus.Desc)
}

func (c collectorImpl) Collect(ch chan<- prometheus.Metric) {
	c.collectFunc(ch)
}

func (c collectorImpl) Describe(ch chan<- *prometheus.Desc) {
	c.describeFunc(ch)
}

// Exporter exposes the latest governor snapshot on a /metrics endpoint.
type Exporter struct {
	snap     atomic.Pointer[governor.Snapshot]
	registry *prometheus.Registry
	server   *http.Server
}

func New(listenAddr string) *Exporter {
	e := &Exporter{registry: prometheus.NewRegistry()}
	e.registry.MustRegister(e.collector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))

	e.server = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return e
}

// Update stores a snapshot for the next scrape.
func (e *Exporter) Update(s governor.Snapshot) {
	e.snap.Store(&s)
}

// Start serves the metrics endpoint in the background.
func (e *Exporter) Start() {
	go func() {
		logger.Info().Str("listen", e.server.Addr).Msg("Metrics endpoint listening")

		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics endpoint failed")
		}
	}()
}

// Close stops the metrics endpoint, waiting for in-flight scrapes up to
// the context deadline.
func (e *Exporter) Close(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}

func (e *Exporter) collector() prometheus.Collector {
	descs := []*prometheus.Desc{
		levelDesc, frequencyDesc, voltageDesc, loadDesc,
		temperatureDesc, stateDesc, transitionsDesc, fallbacksDesc,
	}

	return collectorImpl{
		describeFunc: func(ch chan<- *prometheus.Desc) {
			for _, desc := range descs {
				ch <- desc
			}
		},
		collectFunc: func(ch chan<- prometheus.Metric) {
			s := e.snap.Load()
			if s == nil {
				// Nothing to report before the first update
				return
			}

			ch <- prometheus.MustNewConstMetric(levelDesc, prometheus.GaugeValue,
				float64(s.Level), s.Level.String())
			ch <- prometheus.MustNewConstMetric(frequencyDesc, prometheus.GaugeValue,
				float64(s.Frequency))
			ch <- prometheus.MustNewConstMetric(voltageDesc, prometheus.GaugeValue,
				float64(s.Voltage))
			ch <- prometheus.MustNewConstMetric(loadDesc, prometheus.GaugeValue,
				s.InstantLoad, "instant")
			ch <- prometheus.MustNewConstMetric(loadDesc, prometheus.GaugeValue,
				s.SmoothedLoad, "smoothed")
			ch <- prometheus.MustNewConstMetric(temperatureDesc, prometheus.GaugeValue,
				s.Temperature)
			ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue,
				boolToFloat(s.Throttled), "throttled")
			ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue,
				boolToFloat(s.TurboActive), "turbo")
			ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue,
				boolToFloat(s.BoostActive), "boost")
			ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue,
				boolToFloat(s.Override), "override")
			ch <- prometheus.MustNewConstMetric(transitionsDesc, prometheus.CounterValue,
				float64(s.Transitions))
			ch <- prometheus.MustNewConstMetric(fallbacksDesc, prometheus.CounterValue,
				float64(s.Fallbacks))
		},
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
