package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/crs"
	"github.com/geoharvest/ogc-ingester/service/log"
)

// APIType is the kind of OGC API deployment, detected from the paths of its
// OpenAPI document.
type APIType string

const (
	APIFeatures  APIType = "features"
	APICoverages APIType = "coverages"
	APIMaps      APIType = "maps"
	APIUnknown   APIType = "unknown"
)

// CRS84 is the default coordinate reference system of OGC API collections
const CRS84 = "http://www.opengis.net/def/crs/OGC/1.3/CRS84"

// Link is a typed hyperlink of an OGC API response
type Link struct {
	Href  string `json:"href"`
	Rel   string `json:"rel"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// Parameter is an OpenAPI parameter object, possibly a reference into
// components/parameters.
type Parameter struct {
	Ref      string `json:"$ref"`
	Name     string `json:"name"`
	In       string `json:"in"`
	Required bool   `json:"required"`
}

// Operation is the GET operation of an OpenAPI path item
type Operation struct {
	OperationID string      `json:"operationId"`
	Parameters  []Parameter `json:"parameters"`
}

// PathItem holds the operations of one OpenAPI path
type PathItem struct {
	Get *Operation `json:"get"`
}

// Spec is a parsed OpenAPI document of an OGC API deployment
type Spec struct {
	OpenAPI string `json:"openapi"`
	Info    struct {
		Title       string `json:"title"`
		Version     string `json:"version"`
		Description string `json:"description"`
	} `json:"info"`
	Paths      map[string]PathItem `json:"paths"`
	Components struct {
		Parameters map[string]Parameter `json:"parameters"`
	} `json:"components"`

	Endpoint string `json:"-"`
	opts     FetchOptions
}

// specPaths are tried in order when locating the OpenAPI document
var specPaths = []string{"/openapi", "/api"}

// FetchSpec retrieves the OpenAPI document of the deployment rooted at
// endpoint, trying /openapi then /api. Both failing is a NetworkError.
func FetchSpec(ctx context.Context, endpoint string, opts FetchOptions) (*Spec, error) {
	opts.defaults()
	endpoint = strings.TrimSuffix(service.TrimQuery(endpoint), "/")

	var lastErr error
	for _, p := range specPaths {
		raw, err := service.GetBodyRetry(ctx, endpoint+p+"?f=json", opts.NbRetries, opts.Timeout, opts.Credentials)
		if err != nil {
			lastErr = err
			continue
		}
		spec := &Spec{}
		if err := json.Unmarshal(raw, spec); err != nil {
			return nil, service.NewParseError("OGCAPI", "", "OpenAPI", err)
		}
		spec.Endpoint = endpoint
		spec.opts = opts
		return spec, nil
	}
	return nil, service.NewNetworkError("OGCAPI", "", "OpenAPI", fmt.Errorf("no OpenAPI document under %v: %w", specPaths, lastErr))
}

// DetectAPIType classifies the deployment by the suffixes of its paths
func (s *Spec) DetectAPIType() APIType {
	for path := range s.Paths {
		switch {
		case strings.HasSuffix(path, "/items"):
			return APIFeatures
		case strings.HasSuffix(path, "/coverage"):
			return APICoverages
		case strings.HasSuffix(path, "/map"):
			return APIMaps
		}
	}
	return APIUnknown
}

// ResolveParameter follows a single $ref level into components/parameters.
// A parameter that is not a reference is returned as-is; a dangling reference
// is an error. Nested references are not chased.
func (s *Spec) ResolveParameter(p Parameter) (Parameter, error) {
	if p.Ref == "" {
		return p, nil
	}
	const prefix = "#/components/parameters/"
	if !strings.HasPrefix(p.Ref, prefix) {
		return Parameter{}, service.NewParseError("OGCAPI", "", "OpenAPI", fmt.Errorf("unsupported $ref %q", p.Ref))
	}
	resolved, ok := s.Components.Parameters[strings.TrimPrefix(p.Ref, prefix)]
	if !ok {
		return Parameter{}, service.NewParseError("OGCAPI", "", "OpenAPI", fmt.Errorf("dangling $ref %q", p.Ref))
	}
	return resolved, nil
}

// QueryablesFor returns the names of the query parameters declared on the
// items path of the given collection, with references resolved. Parameters
// that fail to resolve are skipped with a warning.
func (s *Spec) QueryablesFor(ctx context.Context, collectionID string) []string {
	item, ok := s.Paths["/collections/"+collectionID+"/items"]
	if !ok {
		item, ok = s.Paths["/collections/{collectionId}/items"]
	}
	if !ok || item.Get == nil {
		return nil
	}
	var names []string
	for _, p := range item.Get.Parameters {
		resolved, err := s.ResolveParameter(p)
		if err != nil {
			log.Logger(ctx).Sugar().Warnf("QueryablesFor %s: %v", collectionID, err)
			continue
		}
		if resolved.In == "query" || resolved.In == "" {
			names = append(names, resolved.Name)
		}
	}
	return names
}

// SpecValidationError lists the defects found by Validate. Advisory: a
// defective spec is still usable.
type SpecValidationError struct {
	Defects []string
}

func (e *SpecValidationError) Error() string {
	return "openapi spec: " + strings.Join(e.Defects, "; ")
}

// Validate checks the structural minimum of the document. The result is
// advisory and never blocks use of the spec.
func (s *Spec) Validate() error {
	var defects []string
	if s.OpenAPI == "" {
		defects = append(defects, "missing openapi version")
	}
	if s.Info.Title == "" {
		defects = append(defects, "missing info.title")
	}
	if len(s.Paths) == 0 {
		defects = append(defects, "no paths")
	}
	if _, ok := s.Paths["/collections"]; !ok {
		defects = append(defects, "no /collections path")
	}
	if len(defects) > 0 {
		return &SpecValidationError{Defects: defects}
	}
	return nil
}

// Collection describes one dataset of an OGC API deployment
type Collection struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ItemType    string   `json:"itemType"`
	CRS         []string `json:"crs"`
	StorageCRS  string   `json:"storageCrs"`
	Links       []Link   `json:"links"`
	Extent      struct {
		Spatial struct {
			Bbox [][]float64 `json:"bbox"`
			CRS  string      `json:"crs"`
		} `json:"spatial"`
	} `json:"extent"`
}

// Envelope returns the first spatial extent of the collection, if declared
func (c *Collection) Envelope() (crs.Envelope, bool) {
	if len(c.Extent.Spatial.Bbox) == 0 {
		return crs.Envelope{}, false
	}
	b := c.Extent.Spatial.Bbox[0]
	if len(b) < 4 {
		return crs.Envelope{}, false
	}
	// 3D extents interleave the vertical axis
	env := crs.Envelope{MinX: b[0], MinY: b[1], MaxX: b[len(b)/2], MaxY: b[len(b)/2+1], CRS: "EPSG:4326"}
	if id := crs.IdentifierFromURI(c.Extent.Spatial.CRS); id != "" {
		env.CRS = id
	}
	return env, env.Valid()
}

// SupportsCRS returns whether the collection advertises the given CRS.
// A collection without a crs list implicitly supports CRS84 only.
func (c *Collection) SupportsCRS(uri string) bool {
	want := uri
	if id := crs.IdentifierFromURI(uri); id != "" {
		want = id
	}
	declared := c.CRS
	if len(declared) == 0 {
		declared = []string{CRS84}
	}
	for _, d := range declared {
		if d == uri || d == want {
			return true
		}
		if id := crs.IdentifierFromURI(d); id != "" && id == want {
			return true
		}
	}
	return false
}

// Link returns the first link with the given rel, if present
func (c *Collection) Link(rel string) (Link, bool) {
	for _, l := range c.Links {
		if l.Rel == rel {
			return l, true
		}
	}
	return Link{}, false
}

// Collections fetches /collections and returns the declared datasets
func (s *Spec) Collections(ctx context.Context) ([]Collection, error) {
	raw, err := service.GetBodyRetry(ctx, s.Endpoint+"/collections?f=json", s.opts.NbRetries, s.opts.Timeout, s.opts.Credentials)
	if err != nil {
		return nil, service.NewNetworkError("OGCAPI", "", "Collections", err)
	}
	var payload struct {
		Collections []Collection `json:"collections"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, service.NewParseError("OGCAPI", "", "Collections", err)
	}
	return payload.Collections, nil
}

// DescribeCollection fetches /collections/{id}
func (s *Spec) DescribeCollection(ctx context.Context, id string) (Collection, error) {
	raw, err := service.GetBodyRetry(ctx, s.Endpoint+"/collections/"+id+"?f=json", s.opts.NbRetries, s.opts.Timeout, s.opts.Credentials)
	if err != nil {
		return Collection{}, service.NewNetworkError("OGCAPI", "", "DescribeCollection", err)
	}
	var c Collection
	if err := json.Unmarshal(raw, &c); err != nil {
		return Collection{}, service.NewParseError("OGCAPI", "", "DescribeCollection", err)
	}
	return c, nil
}

// Options returns the fetch options the spec was loaded with
func (s *Spec) Options() FetchOptions { return s.opts }
