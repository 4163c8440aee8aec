package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
)

// ContentType is the media type of a progress stream.
const ContentType = "application/x-ndjson"

// statusLine is one non-terminal record of the stream.
type statusLine struct {
	Status      string           `json:"status"`
	Country     *country.Country `json:"country,omitempty"`
	RequestType string           `json:"request_type,omitempty"`
	Completed   int              `json:"completed,omitempty"`
	Total       int              `json:"total,omitempty"`
	Progress    *float64         `json:"progress,omitempty"`
	Success     *bool            `json:"success,omitempty"`
}

// Stream writes newline-delimited JSON records to a single caller, flushing
// after every record when the writer supports it. It is not safe for
// concurrent use.
type Stream struct {
	enc     *json.Encoder
	flusher http.Flusher
}

// NewStream wraps w.
func NewStream(w io.Writer) *Stream {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	s := &Stream{enc: enc}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// Status writes {"status": msg}.
func (s *Stream) Status(msg string) error {
	return s.write(statusLine{Status: msg})
}

// Selected announces the country being served.
func (s *Stream) Selected(c country.Country) error {
	return s.write(statusLine{Status: "Selected country", Country: &c})
}

// Progress writes one fan-out progress event.
func (s *Stream) Progress(evt Event) error {
	pct := evt.Percent()
	ok := evt.Success
	return s.write(statusLine{
		Status:      evt.Summary,
		RequestType: evt.RequestType,
		Completed:   evt.Completed,
		Total:       evt.Total,
		Progress:    &pct,
		Success:     &ok,
	})
}

// Data writes the terminal {"data": v} record.
func (s *Stream) Data(v any) error {
	return s.write(struct {
		Data any `json:"data"`
	}{Data: v})
}

// Error writes the terminal {"error": msg} record.
func (s *Stream) Error(msg string) error {
	return s.write(struct {
		Error string `json:"error"`
	}{Error: msg})
}

// Pipe forwards events until the channel is closed or ctx ends. Returning
// early only stops delivery; the producer is never blocked by Pipe.
func (s *Stream) Pipe(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("progress stream stopped: %w", ctx.Err())
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Progress(evt); err != nil {
				return err
			}
		}
	}
}

func (s *Stream) write(v any) error {
	if err := s.enc.Encode(v); err != nil {
		return fmt.Errorf("encode stream record: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
