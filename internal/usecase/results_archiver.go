package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"RateFusion/internal/domain/models"
	domrepo "RateFusion/internal/domain/repository"
	pkgkafka "RateFusion/pkg/kafka"
)

// ResultsArchiver consumes published consensus results and writes them to a store.
type ResultsArchiver struct {
	topic   string
	sink    domrepo.ResultSink
	metrics domrepo.Metrics
	now     func() time.Time
}

func NewResultsArchiver(topic string, sink domrepo.ResultSink, metrics domrepo.Metrics) *ResultsArchiver {
	return &ResultsArchiver{topic: topic, sink: sink, metrics: metrics, now: time.Now}
}

func (h *ResultsArchiver) Topic() string { return h.topic }

func (h *ResultsArchiver) Handle(ctx context.Context, b []byte) error {
	var r models.ConsensusResult
	if err := json.Unmarshal(b, &r); err != nil {
		h.metrics.RecordError("archive_unmarshal")
		return fmt.Errorf("decode result: %w", err)
	}
	if r.IndicatorKey == "" {
		h.metrics.RecordError("archive_invalid")
		return errors.New("result without indicator key")
	}

	// time from computation to archive
	h.metrics.RecordLatency("archive_lag_seconds", h.now().Sub(r.ComputedAt).Seconds())

	start := h.now()
	err := h.sink.Save(ctx, &r)
	h.metrics.RecordLatency("archive_insert_seconds", h.now().Sub(start).Seconds())
	if err != nil {
		h.metrics.RecordError("archive_store")
		return err
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*ResultsArchiver)(nil)
