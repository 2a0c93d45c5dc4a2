package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const MetricPrefix = "dptrain_"

// PrometheusSink exposes the latest value of every scalar as a gauge.
type PrometheusSink struct {
	scalars *prometheus.GaugeVec
	step    prometheus.Gauge
	images  *prometheus.CounterVec
}

// NewPrometheusSink registers the sink's collectors with registerer.
func NewPrometheusSink(registerer prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(registerer)
	return &PrometheusSink{
		scalars: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricPrefix + "scalar",
				Help: "Latest value of a training metric",
			},
			[]string{"name"},
		),
		step: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricPrefix + "global_step",
				Help: "Global step of the latest published metric",
			},
		),
		images: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPrefix + "images_published",
				Help: "Number of sample images published",
			},
			[]string{"name"},
		),
	}
}

func (p *PrometheusSink) Scalar(name string, step int64, value float64) error {
	p.scalars.WithLabelValues(name).Set(value)
	p.step.Set(float64(step))
	return nil
}

func (p *PrometheusSink) Images(name string, step int64, images [][]float64) error {
	p.images.WithLabelValues(name).Add(float64(len(images)))
	return nil
}

// ServeMetrics serves the default registry on /metrics at address and returns a
// function that shuts the server down.
func ServeMetrics(address string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: address, Handler: mux}

	go func() {
		log.Printf("Metrics listening on %s", address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Failed to shut down metrics server")
		}
	}
}
