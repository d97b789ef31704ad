package consensus

import (
	"math"
	"sort"
	"time"

	"RateFusion/internal/domain/models"
	"RateFusion/pkg/util"
)

const (
	// outliers are only looked for with at least this many readings
	minOutlierSample = 3
	outlierSigmas    = 2.0
	percentPlaces    = 2
)

// Engine fuses the readings of one indicator into a ConsensusResult.
// It holds no state besides its clock.
type Engine struct {
	now func() time.Time
}

type Option func(*Engine)

// WithClock sets the source of ComputedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Consense computes the consensus of records, which must all share one indicator key.
// Records without a sell price are reported in SourceDetails but do not count.
func (e *Engine) Consense(records []models.RateRecord) (*models.ConsensusResult, error) {
	key := ""
	if len(records) > 0 {
		key = records[0].IndicatorKey
	}
	for _, r := range records {
		if r.IndicatorKey != key {
			return nil, models.ErrMixedIndicators
		}
	}

	priced := make([]models.RateRecord, 0, len(records))
	for _, r := range records {
		if r.HasSellPrice() {
			priced = append(priced, cloneRecord(r))
		}
	}
	if len(priced) == 0 {
		return nil, &models.InsufficientDataError{IndicatorKey: key}
	}

	sells := make([]float64, len(priced))
	for i, r := range priced {
		sells[i] = *r.SellPrice
	}
	sort.Float64s(sells)

	avg := mean(sells)
	lo, hi := sells[0], sells[len(sells)-1]
	spread := hi - lo

	result := &models.ConsensusResult{
		IndicatorKey:  key,
		Average:       avg,
		Median:        median(sells),
		Min:           lo,
		Max:           hi,
		Spread:        spread,
		SpreadPercent: spreadPercent(spread, avg),
		BuyAverage:    buyAverage(priced),
		SourceCount:   len(priced),
		Reliability:   reliabilityFor(len(priced)),
		Outliers:      outliers(priced, avg, sells),
		SourceDetails: sortedCopy(records),
		ComputedAt:    e.now(),
	}
	return result, nil
}

func mean(values []float64) float64 {
	// summed in sorted order so the result does not depend on input order
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// median expects sorted input.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func spreadPercent(spread, avg float64) float64 {
	if avg == 0 {
		return 0
	}
	return util.Round(spread/avg*100, percentPlaces)
}

// populationStdDev expects sorted input.
func populationStdDev(sorted []float64, avg float64) float64 {
	var sq float64
	for _, v := range sorted {
		d := v - avg
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(sorted)))
}

func outliers(priced []models.RateRecord, avg float64, sorted []float64) []models.RateRecord {
	out := []models.RateRecord{}
	if len(priced) < minOutlierSample {
		return out
	}

	limit := outlierSigmas * populationStdDev(sorted, avg)
	for _, r := range priced {
		if math.Abs(*r.SellPrice-avg) > limit {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out
}

func buyAverage(priced []models.RateRecord) *float64 {
	buys := make([]float64, 0, len(priced))
	for _, r := range priced {
		if r.BuyPrice != nil && *r.BuyPrice > 0 {
			buys = append(buys, *r.BuyPrice)
		}
	}
	if len(buys) == 0 {
		return nil
	}
	sort.Float64s(buys)
	avg := mean(buys)
	return &avg
}

func reliabilityFor(n int) models.Reliability {
	switch {
	case n >= 3:
		return models.ReliabilityHigh
	case n == 2:
		return models.ReliabilityMedium
	default:
		return models.ReliabilityLow
	}
}

func sortedCopy(records []models.RateRecord) []models.RateRecord {
	out := make([]models.RateRecord, len(records))
	for i, r := range records {
		out[i] = cloneRecord(r)
	}
	sortRecords(out)
	return out
}

// cloneRecord detaches the price pointers so results never alias caller memory.
func cloneRecord(r models.RateRecord) models.RateRecord {
	if r.SellPrice != nil {
		r.SellPrice = models.Float(*r.SellPrice)
	}
	if r.BuyPrice != nil {
		r.BuyPrice = models.Float(*r.BuyPrice)
	}
	return r
}

// sortRecords orders by source id and breaks ties on the remaining fields, which keeps
// output identical whatever order the fetches completed in.
func sortRecords(records []models.RateRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if !a.CapturedAt.Equal(b.CapturedAt) {
			return a.CapturedAt.Before(b.CapturedAt)
		}
		if av, bv := priceOrZero(a.SellPrice), priceOrZero(b.SellPrice); av != bv {
			return av < bv
		}
		return priceOrZero(a.BuyPrice) < priceOrZero(b.BuyPrice)
	})
}

func priceOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
