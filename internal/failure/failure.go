// Package failure defines the typed errors shared by the broker client, the
// store client and the ingestion pipeline.
//
// Every failure carries the stage it happened in and enough context (asset
// class, instrument, table) for a caller to decide whether to continue. Use
// errors.Is with the sentinel kinds to classify, errors.As to get the context.
package failure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/navid-fn/tickhouse/internal/models"
)

// Sentinel kinds. Every typed failure matches exactly one of them with errors.Is.
var (
	ErrConnection       = errors.New("connection failure")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrUpstreamRequest  = errors.New("upstream request failure")
	ErrStoreWrite       = errors.New("store write failure")
)

// Stage names the step of a run in which a failure happened.
type Stage string

const (
	StageBrokerConnect Stage = "broker_connect"
	StageInstruments   Stage = "list_instruments"
	StageCandles       Stage = "fetch_candles"
	StageStoreConnect  Stage = "store_connect"
	StageStoreQuery    Stage = "store_query"
	StageStoreWrite    Stage = "store_write"
	StagePublish       Stage = "publish"
)

// ConnectionError is returned when a session to the broker or the store
// cannot be opened or verified.
type ConnectionError struct {
	Stage   Stage
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connect to %s: %v", e.Stage, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// InvalidParameterError is returned before any I/O when an argument is outside
// its enumerated set.
type InvalidParameterError struct {
	Name    string
	Value   string
	Allowed []string
}

func (e *InvalidParameterError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("invalid %s %q", e.Name, e.Value)
	}
	return fmt.Sprintf("invalid %s %q: supported are %s", e.Name, e.Value, strings.Join(e.Allowed, ", "))
}

func (e *InvalidParameterError) Is(target error) bool { return target == ErrInvalidParameter }

// Invalid builds an InvalidParameterError.
func Invalid(name, value string, allowed ...string) *InvalidParameterError {
	return &InvalidParameterError{Name: name, Value: value, Allowed: allowed}
}

// UpstreamRequestError is a failed broker call.
type UpstreamRequestError struct {
	Stage      Stage
	AssetClass models.AssetClass
	FIGI       string
	StatusCode int
	Err        error
}

func (e *UpstreamRequestError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Stage))
	if e.AssetClass != "" {
		fmt.Fprintf(&b, " asset_class=%s", e.AssetClass)
	}
	if e.FIGI != "" {
		fmt.Fprintf(&b, " figi=%s", e.FIGI)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *UpstreamRequestError) Unwrap() error { return e.Err }

func (e *UpstreamRequestError) Is(target error) bool { return target == ErrUpstreamRequest }

// PartialFetchError reports the instruments that failed while the rest of the
// set was fetched. The records that did arrive are returned alongside it.
type PartialFetchError struct {
	AssetClass models.AssetClass
	Failures   []*UpstreamRequestError
}

func (e *PartialFetchError) Error() string {
	figis := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		figis = append(figis, f.FIGI)
	}
	return fmt.Sprintf("%d instrument(s) failed: %s", len(e.Failures), strings.Join(figis, ", "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *PartialFetchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// StoreWriteError is a failed step of the dedup-upsert write path.
type StoreWriteError struct {
	Table string
	Step  string
	Err   error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%s: table %s: %s: %v", StageStoreWrite, e.Table, e.Step, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

func (e *StoreWriteError) Is(target error) bool { return target == ErrStoreWrite }
