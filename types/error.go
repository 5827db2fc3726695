package types

import (
	"errors"
	"fmt"
)

// Series is the normalized error family used by the quota center and the
// failover loop to decide cooldown schedules and retryability.
type Series string

const (
	SeriesE429   Series = "E429"   // upstream rate limit / quota
	SeriesE5XX   Series = "E5XX"   // upstream server errors
	SeriesENET   Series = "ENET"   // network and timeout failures
	SeriesEFATAL Series = "EFATAL" // auth / config errors, switching provider rarely helps
	SeriesEOTHER Series = "EOTHER" // everything else
)

// Kind is the surface-visible error classification the gateway maps to an
// HTTP status and response body.
type Kind string

const (
	KindRouteUnavailable    Kind = "route_unavailable"     // no eligible provider at all
	KindUpstreamRateLimited Kind = "upstream_rate_limited" // exhausted after retries on E429
	KindUpstreamUnavailable Kind = "upstream_unavailable"  // exhausted on E5XX/ENET
	KindBadRequest          Kind = "bad_request"           // failed compatibility preflight
	KindAuthFailure         Kind = "auth_failure"          // EFATAL credential scoped
	KindConfigError         Kind = "config_error"          // EFATAL config scoped
	KindCancelled           Kind = "cancelled"             // client disconnect
	KindStreamTruncated     Kind = "stream_truncated"      // error after first byte flushed
)

// Common error codes carried in Error.Code. Upstream responses may carry
// arbitrary codes; these are the ones the core produces itself.
const (
	CodeMissingCredential   = "MISSING_CREDENTIAL"
	CodeNoEligibleProvider  = "NO_ELIGIBLE_PROVIDER"
	CodeFailoverExhausted   = "FAILOVER_EXHAUSTED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeModuleInit          = "MODULE_INIT"
	CodeConfigInvalid       = "CONFIG_INVALID"
	CodeStreamTruncated     = "STREAM_TRUNCATED"
	CodeUpstreamBadResponse = "UPSTREAM_BAD_RESPONSE"
	CodeRequestCancelled    = "REQUEST_CANCELLED"
)

// Enumerated network error codes the ProviderHTTP stage may raise.
const (
	CodeConnReset          = "ECONNRESET"
	CodeConnRefused        = "ECONNREFUSED"
	CodeTimedOut           = "ETIMEDOUT"
	CodeDNSFailure         = "EAI_AGAIN"
	CodeHeadersTimeout     = "UPSTREAM_HEADERS_TIMEOUT"
	CodeStreamTimeout      = "UPSTREAM_STREAM_TIMEOUT"
	CodeStreamIdleTimeout  = "UPSTREAM_STREAM_IDLE_TIMEOUT"
	CodeStreamAborted      = "UPSTREAM_STREAM_ABORTED"
)

// Error is the closed error envelope every component returns. Classification
// is a pure function of the fields; callers pattern-match on Series and Kind
// instead of string-probing messages.
type Error struct {
	Series      Series            `json:"series"`
	Kind        Kind              `json:"kind,omitempty"`
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	HTTPStatus  int               `json:"http_status,omitempty"`
	ProviderKey string            `json:"provider_key,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	Attempt     int               `json:"attempt,omitempty"`
	Stage       string            `json:"stage,omitempty"`
	RetryAfter  int64             `json:"retry_after_ms,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Cause       error             `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Series, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Series, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error with the given series, code and message.
func NewError(series Series, code, message string) *Error {
	return &Error{Series: series, Code: code, Message: message}
}

// WithKind sets the surface-visible kind.
func (e *Error) WithKind(kind Kind) *Error {
	e.Kind = kind
	return e
}

// WithHTTPStatus sets the upstream HTTP status.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithProviderKey sets the provider key the error was observed on.
func (e *Error) WithProviderKey(key string) *Error {
	e.ProviderKey = key
	return e
}

// WithRequestID sets the correlation id.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithStage records the pipeline stage that raised the error.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail adds one bounded detail entry.
func (e *Error) WithDetail(k, v string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string, 2)
	}
	e.Details[k] = v
	return e
}

// Retryable reports whether the failover loop may try another provider.
// EFATAL aborts the loop unless the error is origin scoped (see
// OriginScoped), everything else is retryable on a different provider.
func (e *Error) Retryable() bool {
	if e.Series != SeriesEFATAL {
		return true
	}
	return e.OriginScoped()
}

// OriginScoped reports whether a fatal error is tied to one upstream origin
// (endpoint misroute) rather than to credentials or configuration shared by
// all candidates. Origin-scoped fatals are still worth a failover attempt.
func (e *Error) OriginScoped() bool {
	return e.Details["scope"] == "origin"
}

// AsError extracts a *types.Error anywhere in the wrap chain, wrapping
// foreign errors as EOTHER.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Series: SeriesEOTHER, Code: "UNCLASSIFIED", Message: err.Error(), Cause: err}
}

// KindHTTPStatus maps a surface kind to the gateway response status.
func KindHTTPStatus(kind Kind) int {
	switch kind {
	case KindRouteUnavailable:
		return 503
	case KindUpstreamRateLimited:
		return 429
	case KindUpstreamUnavailable:
		return 502
	case KindBadRequest:
		return 400
	case KindAuthFailure:
		return 401
	case KindConfigError:
		return 500
	default:
		return 500
	}
}
