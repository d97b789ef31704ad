package kafka

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Kafka client collectors.
type Metrics struct {
	producerMessages *prometheus.CounterVec
	producerBytes    *prometheus.CounterVec
	producerLatency  *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
	handleLatency    *prometheus.HistogramVec
	handled          *prometheus.CounterVec
}

// NewMetrics registers the Kafka collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		producerMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratefusion_kafka_producer_messages_total",
				Help: "Messages published to Kafka",
			},
			[]string{"topic", "result"},
		),
		producerBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratefusion_kafka_producer_bytes_total",
				Help: "Payload bytes published",
			},
			[]string{"topic"},
		),
		producerLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratefusion_kafka_producer_publish_seconds",
				Help:    "Publish latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratefusion_kafka_consumer_queue_depth",
				Help: "Messages waiting in the consumer queue",
			},
			[]string{"topic"},
		),
		handleLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratefusion_kafka_consumer_handle_seconds",
				Help:    "Handling time per message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		handled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratefusion_kafka_consumer_messages_total",
				Help: "Messages handled by outcome",
			},
			[]string{"topic", "result"},
		),
	}
}

func (m *Metrics) observePublish(topic string, bytes, count int, dur time.Duration, err error) {
	if m == nil {
		return
	}
	m.producerMessages.WithLabelValues(topic, result(err)).Add(float64(count))
	m.producerBytes.WithLabelValues(topic).Add(float64(bytes))
	m.producerLatency.WithLabelValues(topic).Observe(dur.Seconds())
}

func (m *Metrics) observeQueue(topic string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(topic).Set(float64(depth))
}

func (m *Metrics) observeHandle(topic string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	m.handled.WithLabelValues(topic, result(err)).Inc()
	m.handleLatency.WithLabelValues(topic).Observe(dur.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
