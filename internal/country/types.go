package country

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RequestType names one category of upstream data fetched for a country.
type RequestType string

// Supported request types. FileList is the bulk CSV download unit; every other
// type is a single JSON request.
const (
	Sectors                  RequestType = "sectors"
	SectorsInformation       RequestType = "sectors_information"
	ProjectsAndOperations    RequestType = "projects_and_operations"
	ListOfProjects           RequestType = "list_of_projects"
	Indicator                RequestType = "indicator"
	IndicatorMetaData        RequestType = "indicator_meta_data"
	OtherIndicatorsData      RequestType = "other_indicators_data"
	CountryInformation       RequestType = "country_information"
	CountryIndicatorMetaData RequestType = "country_indicator_meta_data"
	FileList                 RequestType = "file_list"
)

var allRequestTypes = []RequestType{
	Sectors,
	SectorsInformation,
	ProjectsAndOperations,
	ListOfProjects,
	Indicator,
	IndicatorMetaData,
	OtherIndicatorsData,
	CountryInformation,
	CountryIndicatorMetaData,
	FileList,
}

// AllRequestTypes returns the fixed fan-out catalog in a stable order.
func AllRequestTypes() []RequestType {
	return append([]RequestType(nil), allRequestTypes...)
}

// JSONRequestTypes returns every request type except the bulk download.
func JSONRequestTypes() []RequestType {
	out := make([]RequestType, 0, len(allRequestTypes)-1)
	for _, t := range allRequestTypes {
		if !t.IsBulk() {
			out = append(out, t)
		}
	}
	return out
}

// ParseRequestType validates an externally supplied request type name.
func ParseRequestType(raw string) (RequestType, error) {
	candidate := RequestType(strings.ToLower(strings.TrimSpace(raw)))
	for _, t := range allRequestTypes {
		if t == candidate {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRequestType, raw)
}

// IsBulk reports whether the type is served by the bulk downloader.
func (t RequestType) IsBulk() bool {
	return t == FileList
}

func (t RequestType) String() string {
	return string(t)
}

// NormalizeCode trims and upper-cases a country code so it can be used as a cache key.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// RequestSpec identifies one unit of fetch work.
type RequestSpec struct {
	Type        RequestType
	CountryCode string
}

// Country is a single catalog entry.
type Country struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// MarshalJSON encodes the entry as a [name, code] pair.
func (c Country) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{c.Name, c.Code})
}

// UnmarshalJSON accepts both the [name, code] pair and the object form.
func (c *Country) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("country pair must have 2 elements, got %d", len(pair))
		}
		c.Name, c.Code = pair[0], pair[1]
		return nil
	}
	type plain Country
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode country: %w", err)
	}
	*c = Country(obj)
	return nil
}

// Record is the unit of persistence. Code is the cache key.
type Record struct {
	Name      string                          `json:"name"`
	Code      string                          `json:"code"`
	Data      map[RequestType]json.RawMessage `json:"data"`
	FetchedAt time.Time                       `json:"fetched_at"`
}

// NewRecord returns an empty record for the given country.
func NewRecord(c Country, fetchedAt time.Time) Record {
	return Record{
		Name:      c.Name,
		Code:      NormalizeCode(c.Code),
		Data:      make(map[RequestType]json.RawMessage),
		FetchedAt: fetchedAt,
	}
}

// Types returns the request types present in the record, in catalog order.
func (r Record) Types() []RequestType {
	out := make([]RequestType, 0, len(r.Data))
	for _, t := range allRequestTypes {
		if _, ok := r.Data[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks the fields required to persist a record.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Code) == "" {
		return errors.New("record code is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("record name is required")
	}
	return nil
}

// Summary describes a stored record without its payload.
type Summary struct {
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	FetchedAt time.Time `json:"fetched_at"`
}
