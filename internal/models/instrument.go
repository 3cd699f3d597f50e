// Package models holds the records that flow from the broker to the store.
package models

import "strings"

// AssetClass is the broker's instrument category.
type AssetClass string

const (
	AssetEtf   AssetClass = "Etf"
	AssetBond  AssetClass = "Bond"
	AssetStock AssetClass = "Stock"
)

// AssetClasses lists every supported class in the order the pipeline visits them.
var AssetClasses = []AssetClass{AssetEtf, AssetBond, AssetStock}

// ParseAssetClass matches s case-insensitively against the supported classes.
// "ETF", "etf" and "Etf" all resolve to AssetEtf.
func ParseAssetClass(s string) (AssetClass, bool) {
	for _, c := range AssetClasses {
		if strings.EqualFold(strings.TrimSpace(s), string(c)) {
			return c, true
		}
	}
	return "", false
}

func (c AssetClass) String() string { return string(c) }

// Instrument is a tradable security as listed by the broker.
type Instrument struct {
	// FIGI is the broker-assigned unique identifier.
	FIGI string `json:"figi"`

	Ticker string `json:"ticker"`
	ISIN   string `json:"isin"`

	// MinPriceIncrement is the tick size.
	MinPriceIncrement float64 `json:"min_price_increment"`

	// Lot is the number of units in one tradable lot.
	Lot int64 `json:"lot"`

	Currency string     `json:"currency"`
	Name     string     `json:"name"`
	Type     AssetClass `json:"type"`
}

// UniqueFIGIs returns the distinct identifiers in first-seen order.
func UniqueFIGIs(instruments []Instrument) []string {
	seen := make(map[string]struct{}, len(instruments))
	figis := make([]string, 0, len(instruments))
	for _, in := range instruments {
		if _, ok := seen[in.FIGI]; ok {
			continue
		}
		seen[in.FIGI] = struct{}{}
		figis = append(figis, in.FIGI)
	}
	return figis
}
