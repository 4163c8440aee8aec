// Package resolver maps (request type, country code) pairs to upstream URLs.
package resolver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/worldbank-country-cache/internal/country"
)

// ErrUnresolvable marks a spec that cannot be turned into a URL. It is never retried.
var ErrUnresolvable = errors.New("unresolvable request")

// Default upstream hosts.
const (
	DefaultAPIBase    = "https://api.worldbank.org"
	DefaultSearchBase = "https://search.worldbank.org"
	DefaultDataBase   = "https://data.worldbank.org"
)

// Bases holds the upstream base URLs.
type Bases struct {
	API    string
	Search string
	Data   string
}

type urlFunc func(b Bases, code string) string

var builders = map[country.RequestType]urlFunc{
	country.Sectors: func(b Bases, code string) string {
		return searchProjects(b, url.Values{
			"fct":               {"sector_exact"},
			"countrycode_exact": {code},
			"rows":              {"0"},
		})
	},
	country.SectorsInformation: func(b Bases, code string) string {
		return searchProjects(b, url.Values{
			"fct":               {"mjsector_exact,theme_exact"},
			"countrycode_exact": {code},
			"rows":              {"0"},
		})
	},
	country.ProjectsAndOperations: func(b Bases, code string) string {
		return searchProjects(b, url.Values{
			"fct":               {"status_exact,regionname_exact,lendinginstr_exact"},
			"countrycode_exact": {code},
			"rows":              {"0"},
		})
	},
	country.ListOfProjects: func(b Bases, code string) string {
		return searchProjects(b, url.Values{
			"fl":                {"id,project_name,status,totalamt,boardapprovaldate,closingdate"},
			"countrycode_exact": {code},
			"rows":              {"20"},
			"os":                {"0"},
			"srt":               {"boardapprovaldate"},
			"order":             {"desc"},
		})
	},
	country.Indicator: func(b Bases, code string) string {
		return countryIndicator(b, code, "SP.POP.TOTL")
	},
	country.IndicatorMetaData: func(b Bases, _ string) string {
		return strings.TrimRight(b.API, "/") + "/v2/indicator/SP.POP.TOTL?format=json"
	},
	country.OtherIndicatorsData: func(b Bases, code string) string {
		return countryIndicator(b, code, "NY.GDP.MKTP.CD")
	},
	country.CountryInformation: func(b Bases, code string) string {
		return strings.TrimRight(b.API, "/") + "/v2/country/" + url.PathEscape(code) + "?format=json"
	},
	country.CountryIndicatorMetaData: func(b Bases, _ string) string {
		return modelJSON(b, `[["countryIndicatorGroups"]]`)
	},
	country.FileList: func(b Bases, code string) string {
		return strings.TrimRight(b.API, "/") + "/v2/en/country/" + url.PathEscape(code) + "?downloadformat=csv"
	},
}

// Resolver resolves request specs against a fixed set of upstream hosts.
type Resolver struct {
	bases Bases
}

// New creates a Resolver; empty bases fall back to the public World Bank hosts.
func New(b Bases) *Resolver {
	if b.API == "" {
		b.API = DefaultAPIBase
	}
	if b.Search == "" {
		b.Search = DefaultSearchBase
	}
	if b.Data == "" {
		b.Data = DefaultDataBase
	}
	return &Resolver{bases: b}
}

// Resolve returns the URL for spec.
func (r *Resolver) Resolve(spec country.RequestSpec) (string, error) {
	code := country.NormalizeCode(spec.CountryCode)
	if code == "" {
		return "", fmt.Errorf("%w: empty country code for %s", ErrUnresolvable, spec.Type)
	}
	build, ok := builders[spec.Type]
	if !ok {
		return "", fmt.Errorf("%w: %w %q", ErrUnresolvable, country.ErrUnknownRequestType, spec.Type)
	}
	return build(r.bases, code), nil
}

// CatalogURL returns the endpoint listing every country and region.
func (r *Resolver) CatalogURL() string {
	return modelJSON(r.bases, `[["lists","countries","en"]]`)
}

func searchProjects(b Bases, q url.Values) string {
	q.Set("format", "json")
	q.Set("apilang", "en")
	return strings.TrimRight(b.Search, "/") + "/api/v2/projects?" + q.Encode()
}

func countryIndicator(b Bases, code, indicator string) string {
	return fmt.Sprintf("%s/v2/country/%s/indicator/%s?format=json&per_page=100",
		strings.TrimRight(b.API, "/"), url.PathEscape(code), indicator)
}

func modelJSON(b Bases, paths string) string {
	q := url.Values{"paths": {paths}, "method": {"get"}}
	return strings.TrimRight(b.Data, "/") + "/model.json?" + q.Encode()
}
