package normalizer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"RateFusion/internal/domain/models"
	"RateFusion/pkg/config"
	"RateFusion/pkg/util"
)

var (
	errInvalidJSON  = errors.New("payload is not valid JSON")
	errNotAnArray   = errors.New("items path does not hold an array")
	errEmptyPayload = errors.New("empty payload")
)

// Mapper turns one payload shape into rate records following a NormalizerConfig.
//
// Object mode reads each indicator's paths from the document root. Array mode walks the
// elements found at Items, reads the element's Key and assigns it to the first indicator
// whose Match is a case-insensitive substring of it.
type Mapper struct {
	cfg config.NormalizerConfig
}

func NewMapper(cfg config.NormalizerConfig) (*Mapper, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("normalizer id is required")
	}
	if len(cfg.Indicators) == 0 {
		return nil, fmt.Errorf("normalizer %q: no indicators mapped", cfg.ID)
	}
	for _, ind := range cfg.Indicators {
		if ind.Indicator == "" || ind.Sell == "" {
			return nil, fmt.Errorf("normalizer %q: indicator and sell path are required", cfg.ID)
		}
		if cfg.Items != "" && ind.Match == "" {
			return nil, fmt.Errorf("normalizer %q: indicator %q needs a match pattern", cfg.ID, ind.Indicator)
		}
	}
	return &Mapper{cfg: cfg}, nil
}

func (m *Mapper) ID() string {
	return m.cfg.ID
}

// Parse never mutates the payload. Indicators absent from the payload produce no record;
// indicators present without a usable sell price produce a record with a nil SellPrice.
func (m *Mapper) Parse(payload *models.RawPayload) ([]models.RateRecord, error) {
	if payload == nil || len(payload.Body) == 0 {
		return nil, &models.ParseError{SourceID: sourceOf(payload), Err: errEmptyPayload}
	}
	if !gjson.ValidBytes(payload.Body) {
		return nil, &models.ParseError{SourceID: payload.SourceID, Err: errInvalidJSON}
	}

	doc := gjson.ParseBytes(payload.Body)
	fallback := payload.FetchedAt
	if m.cfg.CapturedAt != "" {
		fallback = parseTime(doc.Get(m.cfg.CapturedAt), fallback)
	}

	if m.cfg.Items == "" {
		return m.parseObject(payload.SourceID, doc, fallback), nil
	}

	items := doc
	if m.cfg.Items != "@this" {
		items = doc.Get(m.cfg.Items)
	}
	if !items.IsArray() {
		return nil, &models.ParseError{SourceID: payload.SourceID, Err: errNotAnArray}
	}
	return m.parseArray(payload.SourceID, items, fallback), nil
}

func (m *Mapper) parseObject(sourceID string, doc gjson.Result, fallback time.Time) []models.RateRecord {
	records := make([]models.RateRecord, 0, len(m.cfg.Indicators))
	for _, ind := range m.cfg.Indicators {
		sell := doc.Get(ind.Sell)
		var buy gjson.Result
		if ind.Buy != "" {
			buy = doc.Get(ind.Buy)
		}
		if !sell.Exists() && !buy.Exists() {
			continue
		}
		records = append(records, m.build(sourceID, ind, doc, sell, buy, fallback))
	}
	return records
}

func (m *Mapper) parseArray(sourceID string, items gjson.Result, fallback time.Time) []models.RateRecord {
	var records []models.RateRecord
	seen := make(map[string]bool, len(m.cfg.Indicators))

	items.ForEach(func(_, item gjson.Result) bool {
		name := strings.ToLower(strings.TrimSpace(item.Get(m.cfg.Key).String()))
		if name == "" {
			return true
		}
		for _, ind := range m.cfg.Indicators {
			if !strings.Contains(name, strings.ToLower(ind.Match)) {
				continue
			}
			// a source listing the same indicator twice keeps its first entry
			if !seen[ind.Indicator] {
				seen[ind.Indicator] = true
				var buy gjson.Result
				if ind.Buy != "" {
					buy = item.Get(ind.Buy)
				}
				records = append(records, m.build(sourceID, ind, item, item.Get(ind.Sell), buy, fallback))
			}
			break
		}
		return true
	})
	return records
}

func (m *Mapper) build(sourceID string, ind config.IndicatorMapping, scope, sell, buy gjson.Result, fallback time.Time) models.RateRecord {
	captured := fallback
	if ind.CapturedAt != "" {
		captured = parseTime(scope.Get(ind.CapturedAt), fallback)
	}
	return models.RateRecord{
		SourceID:     sourceID,
		IndicatorKey: ind.Indicator,
		SellPrice:    m.price(sell),
		BuyPrice:     m.price(buy),
		CapturedAt:   captured,
	}
}

// price returns nil for missing, unparsable or non-positive values.
func (m *Mapper) price(v gjson.Result) *float64 {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Float()
	case gjson.String:
		d, err := util.ParseDecimal(v.String(), m.cfg.DecimalComma)
		if err != nil {
			return nil
		}
		f, _ = d.Float64()
	default:
		return nil
	}
	if f <= 0 {
		return nil
	}
	return &f
}

func parseTime(v gjson.Result, def time.Time) time.Time {
	switch v.Type {
	case gjson.Number:
		return util.ParseTimeDefault(v.Raw, def)
	case gjson.String:
		return util.ParseTimeDefault(v.String(), def)
	default:
		return def
	}
}

func sourceOf(p *models.RawPayload) string {
	if p == nil {
		return ""
	}
	return p.SourceID
}
