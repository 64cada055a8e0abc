// Package provider implements the source abstraction layer. It defines a
// Provider interface, a Fetcher interface, and a central registry that
// routes pull requests to the provider serving each dataset.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seenimoa/macropanel/internal/pull"
	"github.com/seenimoa/macropanel/internal/tidy"
)

// ProviderCredential describes a credential a provider can use.
type ProviderCredential struct {
	Name        string `json:"name"`        // e.g., "username"
	Description string `json:"description"` // e.g., "OECD API account"
	Required    bool   `json:"required"`
	EnvVar      string `json:"env_var"` // e.g., "MACROPANEL_OECD_USERNAME"
}

// ProviderInfo holds metadata about a registered provider.
type ProviderInfo struct {
	Name        string               `json:"name"`        // e.g., "oecd", "bis"
	Description string               `json:"description"` // human-readable description
	Website     string               `json:"website"`     // e.g., "https://sdmx.oecd.org"
	Credentials []ProviderCredential `json:"credentials"`
	Datasets    []Dataset            `json:"datasets"`
}

// Provider is the interface that all sources must implement. Each provider
// registers one Fetcher per dataset it can pull.
type Provider interface {
	// Info returns metadata about this provider.
	Info() ProviderInfo

	// Init initializes the provider with credentials. Returns an error if
	// required credentials are missing.
	Init(credentials map[string]string) error

	// Fetcher returns the fetcher for the given dataset, or nil if unsupported.
	Fetcher(ds Dataset) Fetcher

	// SupportedDatasets returns all datasets this provider can pull.
	SupportedDatasets() []Dataset

	// Ping verifies the provider's connectivity.
	Ping(ctx context.Context) error
}

// QueryParams is the generic parameter map passed to fetchers. Keys that
// are not listed below are forwarded to the source as query parameters by
// fetchers that support it.
type QueryParams map[string]string

// Common parameter keys.
const (
	ParamStart     = "start"     // first period, e.g. "2003"
	ParamEnd       = "end"       // last period
	ParamCountries = "countries" // comma-separated list replacing the default areas
	ParamProvider  = "provider"  // override provider name
)

// List splits a comma-separated parameter, dropping blanks.
func (q QueryParams) List(key string) []string {
	var out []string
	for _, s := range strings.Split(q[key], ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Get returns q[key], or def when it is empty.
func (q QueryParams) Get(key, def string) string {
	if v := q[key]; v != "" {
		return v
	}
	return def
}

// FetchResult wraps a pulled table with metadata.
type FetchResult struct {
	Provider  string      `json:"provider"`
	Dataset   Dataset     `json:"dataset"`
	Table     *tidy.Table `json:"-"`
	Rows      int         `json:"rows"`
	Skipped   []string    `json:"skipped,omitempty"`  // keys that returned no observations
	Failures  []string    `json:"failures,omitempty"` // recorded request failures
	FetchedAt time.Time   `json:"fetched_at"`
	Cached    bool        `json:"cached"`
}

// NewResult wraps t.
func NewResult(t *tidy.Table) *FetchResult {
	return &FetchResult{Table: t, Rows: t.Len(), FetchedAt: time.Now()}
}

// Merge appends the outcome of a pull run to r.
func (r *FetchResult) Merge(res *pull.Result) {
	if r.Table == nil {
		r.Table = tidy.New()
	}
	r.Table.Concat(res.Table)
	r.Rows = r.Table.Len()
	r.Skipped = append(r.Skipped, res.Skipped...)
	for _, f := range res.Failures {
		r.Failures = append(r.Failures, f.Error())
	}
}

// Fetcher pulls one dataset.
type Fetcher interface {
	// Dataset returns the dataset this fetcher pulls.
	Dataset() Dataset

	// Description returns a human-readable description of the dataset.
	Description() string

	// RequiredParams returns the parameter keys this fetcher requires.
	RequiredParams() []string

	// OptionalParams returns the parameter keys this fetcher optionally accepts.
	OptionalParams() []string

	// Fetch runs the pull for the given parameters.
	Fetch(ctx context.Context, params QueryParams) (*FetchResult, error)
}

// ErrProviderNotFound is returned when no provider serves a dataset.
type ErrProviderNotFound struct {
	Name string
}

func (e *ErrProviderNotFound) Error() string {
	return fmt.Sprintf("provider %q not found", e.Name)
}

// ErrDatasetNotSupported is returned when a provider doesn't serve a dataset.
type ErrDatasetNotSupported struct {
	Provider string
	Dataset  Dataset
}

func (e *ErrDatasetNotSupported) Error() string {
	return fmt.Sprintf("provider %q does not support dataset %q", e.Provider, e.Dataset)
}

// ErrMissingParam is returned when a required query parameter is missing.
type ErrMissingParam struct {
	Param string
}

func (e *ErrMissingParam) Error() string {
	return fmt.Sprintf("missing required parameter %q", e.Param)
}

// ErrInvalidCredentials is returned when provider credentials are invalid.
type ErrInvalidCredentials struct {
	Provider string
	Detail   string
}

func (e *ErrInvalidCredentials) Error() string {
	return fmt.Sprintf("invalid credentials for provider %q: %s", e.Provider, e.Detail)
}

// ValidateParams checks that all required parameters are present in params.
func ValidateParams(params QueryParams, required []string) error {
	for _, key := range required {
		if v, ok := params[key]; !ok || v == "" {
			return &ErrMissingParam{Param: key}
		}
	}
	return nil
}
