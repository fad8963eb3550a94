package provider

import "errors"

var (
	// ErrUpstreamTimeout marks a per-ticker request that exceeded its
	// bounded timeout. Treated as that ticker's failure, never a batch abort.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamHTTP marks a non-2xx upstream response.
	ErrUpstreamHTTP = errors.New("upstream http error")

	// ErrMissingAPIKey is a configuration error, fatal to the calling
	// operation before any fetch is attempted.
	ErrMissingAPIKey = errors.New("missing upstream api key")
)
