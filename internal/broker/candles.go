package broker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickhouse/internal/failure"
	"github.com/navid-fn/tickhouse/internal/models"
	"github.com/navid-fn/tickhouse/internal/timefmt"
)

type candlesPayload struct {
	FIGI     string          `json:"figi"`
	Interval string          `json:"interval"`
	Candles  []candlePayload `json:"candles"`
}

type candlePayload struct {
	FIGI     string    `json:"figi"`
	Interval string    `json:"interval"`
	Open     float64   `json:"o"`
	Close    float64   `json:"c"`
	High     float64   `json:"h"`
	Low      float64   `json:"l"`
	Volume   int64     `json:"v"`
	Time     time.Time `json:"time"`
}

// FetchCandles returns the candles of one instrument over w. Windows longer
// than a day are fetched one day per call, most recent first, and the
// results are concatenated in request order.
func (c *Client) FetchCandles(ctx context.Context, figi string, w Window) ([]models.Candle, error) {
	w, err := w.resolve(c.now())
	if err != nil {
		return nil, err
	}

	var out []models.Candle
	for _, s := range w.chunks() {
		query := url.Values{
			"figi":     {figi},
			"from":     {formatTime(s.from)},
			"to":       {formatTime(s.to)},
			"interval": {w.Interval},
		}

		var payload candlesPayload
		status, err := c.do(ctx, http.MethodGet, "/market/candles", query, nil, &payload)
		if err != nil {
			return nil, &failure.UpstreamRequestError{
				Stage:      failure.StageCandles,
				FIGI:       figi,
				StatusCode: status,
				Err:        err,
			}
		}

		for _, p := range payload.Candles {
			out = append(out, models.Candle{
				FIGI:     figi,
				Interval: p.Interval,
				Open:     p.Open,
				Close:    p.Close,
				High:     p.High,
				Low:      p.Low,
				Volume:   p.Volume,
				Time:     p.Time.UTC(),
			})
		}
	}
	return out, nil
}

type fetchResult struct {
	candles []models.Candle
	err     error
}

// FetchAllCandles fetches every distinct instrument of instruments and joins
// the candles with the instrument metadata on FIGI.
//
// Instruments are paced by the instrument limiter and spread over the
// configured workers; records keep the order of the instrument list. When
// ContinueOnError is set a failed instrument is recorded and the loop goes
// on: the records that arrived are returned with a *failure.PartialFetchError.
// Otherwise the first failure aborts the call.
func (c *Client) FetchAllCandles(ctx context.Context, instruments []models.Instrument, w Window) ([]models.EnrichedRecord, error) {
	w, err := w.resolve(c.now())
	if err != nil {
		return nil, err
	}

	meta := make(map[string]models.Instrument, len(instruments))
	for _, in := range instruments {
		if _, ok := meta[in.FIGI]; !ok {
			meta[in.FIGI] = in
		}
	}
	figis := models.UniqueFIGIs(instruments)

	var class models.AssetClass
	if len(instruments) > 0 {
		class = instruments[0].Type
	}
	log := c.logger.WithFields(logrus.Fields{
		"asset_class": class,
		"instruments": len(figis),
		"workers":     c.cfg.Workers,
	})
	log.Info("fetching candles ...")

	start := time.Now()
	results := c.fetchEach(ctx, figis, w, log)
	if !c.cfg.ContinueOnError {
		if i := firstFailure(results); i >= 0 {
			return nil, asUpstream(results[i].err, figis[i], meta[figis[i]].Type)
		}
	}

	var (
		records  []models.EnrichedRecord
		failures []*failure.UpstreamRequestError
	)
	for i, figi := range figis {
		res := results[i]
		if res.err != nil {
			failures = append(failures, asUpstream(res.err, figi, meta[figi].Type))
			continue
		}
		in := meta[figi]
		for _, candle := range res.candles {
			records = append(records, models.Enrich(candle, in))
		}
	}

	log.WithFields(logrus.Fields{
		"records": len(records),
		"failed":  len(failures),
	}).Infof("candles fetched; %s", timefmt.Since(start))

	if len(failures) > 0 {
		return records, &failure.PartialFetchError{AssetClass: class, Failures: failures}
	}
	return records, nil
}

// fetchEach runs FetchCandles for every FIGI and returns the results by index.
// Without ContinueOnError the first failure cancels the outstanding fetches.
func (c *Client) fetchEach(ctx context.Context, figis []string, w Window, log *logrus.Entry) []fetchResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]fetchResult, len(figis))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for worker := 0; worker < c.cfg.Workers; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				figi := figis[i]
				if err := c.instrumentLimiter.Wait(ctx); err != nil {
					results[i] = fetchResult{err: err}
					continue
				}
				candles, err := c.FetchCandles(ctx, figi, w)
				results[i] = fetchResult{candles: candles, err: err}
				if err != nil {
					log.WithError(err).WithField("figi", figi).Error("candle fetch failed")
					if !c.cfg.ContinueOnError {
						cancel()
					}
					continue
				}
				log.WithFields(logrus.Fields{"figi": figi, "candles": len(candles)}).Debug("candles received")
			}
		}()
	}

	for i := range figis {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return results
}

// firstFailure returns the index of the first error that is not a
// cancellation caused by an earlier failure, or -1.
func firstFailure(results []fetchResult) int {
	first := -1
	for i, r := range results {
		if r.err == nil {
			continue
		}
		if !errors.Is(r.err, context.Canceled) {
			return i
		}
		if first < 0 {
			first = i
		}
	}
	return first
}

func asUpstream(err error, figi string, class models.AssetClass) *failure.UpstreamRequestError {
	var upstream *failure.UpstreamRequestError
	if !errors.As(err, &upstream) {
		upstream = &failure.UpstreamRequestError{Stage: failure.StageCandles, FIGI: figi, Err: err}
	}
	upstream.AssetClass = class
	return upstream
}
