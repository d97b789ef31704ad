package models

import "time"

// RawPayload is one undecoded response from one source.
type RawPayload struct {
	SourceID    string
	Body        []byte
	ContentType string
	FetchedAt   time.Time
}

// RateRecord is one normalized reading of one indicator from one source.
// SellPrice is nil when the source published the indicator without a usable sell quote.
type RateRecord struct {
	SourceID     string    `json:"source_id"`
	IndicatorKey string    `json:"indicator_key"`
	SellPrice    *float64  `json:"sell_price"`
	BuyPrice     *float64  `json:"buy_price,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
}

// HasSellPrice reports whether the record carries a positive sell price.
func (r RateRecord) HasSellPrice() bool {
	return r.SellPrice != nil && *r.SellPrice > 0
}

// Reliability grades a consensus by how many sources backed it.
type Reliability string

const (
	ReliabilityHigh   Reliability = "high"
	ReliabilityMedium Reliability = "medium"
	ReliabilityLow    Reliability = "low"
)

// ConsensusResult is the fused value of one indicator for one cycle.
type ConsensusResult struct {
	IndicatorKey  string       `json:"indicator_key"`
	Average       float64      `json:"average"`
	Median        float64      `json:"median"`
	Min           float64      `json:"min"`
	Max           float64      `json:"max"`
	Spread        float64      `json:"spread"`
	SpreadPercent float64      `json:"spread_percent"`
	BuyAverage    *float64     `json:"buy_average,omitempty"`
	SourceCount   int          `json:"source_count"`
	Reliability   Reliability  `json:"reliability"`
	Outliers      []RateRecord `json:"outliers"`
	SourceDetails []RateRecord `json:"source_details"`
	ComputedAt    time.Time    `json:"computed_at"`
}

// SourceIDs lists the sources that contributed a sell price, in detail order.
func (c *ConsensusResult) SourceIDs() []string {
	ids := make([]string, 0, len(c.SourceDetails))
	for _, r := range c.SourceDetails {
		if r.HasSellPrice() {
			ids = append(ids, r.SourceID)
		}
	}
	return ids
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
