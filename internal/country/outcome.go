package country

import (
	"encoding/json"
	"fmt"
)

// Reason classifies why a request type failed.
type Reason string

// Failure reasons reported by the dispatcher and the bulk downloader.
const (
	ReasonTimeout     Reason = "timeout"
	ReasonRateLimited Reason = "rate_limited"
	ReasonHTTPError   Reason = "http_error"
	ReasonParseError  Reason = "parse_error"
	ReasonNotFound    Reason = "not_found"
	ReasonUnresolved  Reason = "unresolved"
)

// Failure describes a failed request type. It satisfies error so callers can
// use errors.As on wrapped values.
type Failure struct {
	Reason     Reason
	StatusCode int
	URL        string
	Err        error
}

func (f *Failure) Error() string {
	switch {
	case f.Reason == ReasonHTTPError && f.StatusCode > 0:
		return fmt.Sprintf("http error %d", f.StatusCode)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	default:
		return string(f.Reason)
	}
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Outcome is the final result of one request type. Exactly one of Payload or
// Failure is set.
type Outcome struct {
	Type    RequestType
	Payload json.RawMessage
	Failure *Failure
}

// Succeeded builds a successful outcome.
func Succeeded(t RequestType, payload json.RawMessage) Outcome {
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return Outcome{Type: t, Payload: payload}
}

// Failed builds a failed outcome.
func Failed(t RequestType, f Failure) Outcome {
	return Outcome{Type: t, Failure: &f}
}

// OK reports whether the outcome carries a payload.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Summary is the human readable status line for the outcome.
func (o Outcome) Summary() string {
	if o.OK() {
		if o.Type.IsBulk() {
			return "Downloaded files processed"
		}
		return "Fetched " + o.Type.String()
	}
	if o.Type.IsBulk() {
		return "No files downloaded or processed: " + o.Failure.Error()
	}
	return fmt.Sprintf("Error fetching %s: %s", o.Type, o.Failure.Error())
}
