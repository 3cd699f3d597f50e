package broker

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickhouse/internal/failure"
	"github.com/navid-fn/tickhouse/internal/models"
)

type instrumentsPayload struct {
	Total       int                 `json:"total"`
	Instruments []instrumentPayload `json:"instruments"`
}

type instrumentPayload struct {
	FIGI              string  `json:"figi"`
	Ticker            string  `json:"ticker"`
	ISIN              string  `json:"isin"`
	MinPriceIncrement float64 `json:"minPriceIncrement"`
	Lot               int64   `json:"lot"`
	Currency          string  `json:"currency"`
	Name              string  `json:"name"`
	Type              string  `json:"type"`
}

// ListInstruments returns the instruments of one asset class. An unknown
// class is rejected before any call.
func (c *Client) ListInstruments(ctx context.Context, assetClass string) ([]models.Instrument, error) {
	class, ok := models.ParseAssetClass(assetClass)
	if !ok {
		return nil, failure.Invalid("asset class", assetClass, "Etf", "Bond", "Stock")
	}

	var payload instrumentsPayload
	path := "/market/" + strings.ToLower(string(class)) + "s"
	status, err := c.do(ctx, http.MethodGet, path, nil, nil, &payload)
	if err != nil {
		return nil, &failure.UpstreamRequestError{
			Stage:      failure.StageInstruments,
			AssetClass: class,
			StatusCode: status,
			Err:        err,
		}
	}

	out := make([]models.Instrument, 0, len(payload.Instruments))
	for _, p := range payload.Instruments {
		out = append(out, models.Instrument{
			FIGI:              p.FIGI,
			Ticker:            p.Ticker,
			ISIN:              p.ISIN,
			MinPriceIncrement: p.MinPriceIncrement,
			Lot:               p.Lot,
			Currency:          p.Currency,
			Name:              p.Name,
			Type:              class,
		})
	}

	c.logger.WithFields(logrus.Fields{
		"asset_class": class,
		"count":       len(out),
	}).Info("instruments listed")
	return out, nil
}
