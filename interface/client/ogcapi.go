package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/go-spatial/geom/encoding/wkt"

	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/interface/capabilities"
	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/log"
)

// OGCAPIClient talks to an OGC API deployment (Features, Coverages or Maps)
type OGCAPIClient struct {
	Spec    *capabilities.Spec
	APIType capabilities.APIType
	opts    ClientOptions
}

// NewOGCAPIClient fetches the OpenAPI document and classifies the deployment.
// A discovery failure is fatal; a defective spec is only logged.
func NewOGCAPIClient(ctx context.Context, endpoint string, opts ClientOptions) (*OGCAPIClient, error) {
	spec, err := capabilities.FetchSpec(ctx, endpoint, opts.Fetch)
	if err != nil {
		return nil, fmt.Errorf("NewOGCAPIClient.%w", err)
	}
	if err := spec.Validate(); err != nil {
		log.Logger(ctx).Sugar().Warnf("NewOGCAPIClient: %v", err)
	}
	return &OGCAPIClient{Spec: spec, APIType: spec.DetectAPIType(), opts: opts}, nil
}

// Collections lists the datasets of the deployment
func (c *OGCAPIClient) Collections(ctx context.Context) ([]capabilities.Collection, error) {
	return c.Spec.Collections(ctx)
}

// DownloadItems returns a lazy iterator over the features of a collection.
// CRS support and filter queryables are checked against the collection and
// the OpenAPI document before the first request.
func (c *OGCAPIClient) DownloadItems(ctx context.Context, collectionID string, q QueryOptions) (FeatureIterator, error) {
	col, err := c.Spec.DescribeCollection(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("DownloadItems.%w", err)
	}
	if q.OutputCRS != "" && !col.SupportsCRS(q.OutputCRS) {
		return nil, service.NewValidationError("OGCAPI", "", "Items", "collection %s does not support CRS %s", collectionID, q.OutputCRS)
	}
	if len(q.Filter) > 0 {
		queryables := c.Spec.QueryablesFor(ctx, collectionID)
		allowed := map[string]bool{}
		for _, name := range queryables {
			allowed[name] = true
		}
		for k := range q.Filter {
			if !allowed[k] {
				return nil, service.NewValidationError("OGCAPI", "", "Items", "filter key %s is not a queryable of collection %s", k, collectionID)
			}
		}
	}

	limit := q.MaxFeatures
	if limit <= 0 {
		limit = defaultPageSize
	}
	return &ogcapiIterator{
		client:  c,
		nextURL: c.itemsURL(collectionID, q, limit),
		crs:     q.OutputCRS,
	}, nil
}

func (c *OGCAPIClient) itemsURL(collectionID string, q QueryOptions, limit int) string {
	v := url.Values{}
	v.Set("f", "json")
	v.Set("limit", fmt.Sprintf("%d", limit))
	if q.BBox != nil {
		v.Set("bbox", fmt.Sprintf("%g,%g,%g,%g", q.BBox.MinX, q.BBox.MinY, q.BBox.MaxX, q.BBox.MaxY))
	}
	if q.OutputCRS != "" {
		v.Set("crs", q.OutputCRS)
	}
	for k, val := range q.Filter {
		v.Set(k, val)
	}
	return c.Spec.Endpoint + "/collections/" + collectionID + "/items?" + v.Encode()
}

// featurePage is one GeoJSON items response
type featurePage struct {
	Features []struct {
		ID         json.RawMessage            `json:"id"`
		Geometry   *geojson.Geometry          `json:"geometry"`
		Properties map[string]json.RawMessage `json:"properties"`
	} `json:"features"`
	Links []capabilities.Link `json:"links"`
}

// ogcapiIterator follows next-rel links until the server stops providing one
type ogcapiIterator struct {
	client  *OGCAPIClient
	nextURL string
	crs     string

	buffer  []common.GeoFeature
	idx     int
	yielded int
	done    bool
	lastErr error
}

func (it *ogcapiIterator) Next(ctx context.Context) (common.GeoFeature, error) {
	if it.lastErr != nil {
		return common.GeoFeature{}, it.lastErr
	}
	for it.idx >= len(it.buffer) {
		if it.done || it.nextURL == "" {
			it.done = true
			return common.GeoFeature{}, Done
		}
		if err := it.fetchPage(ctx); err != nil {
			it.done = true
			it.lastErr = service.NewRetrievalError("OGCAPI", "", "Items", it.yielded, err)
			return common.GeoFeature{}, it.lastErr
		}
	}
	f := it.buffer[it.idx]
	it.idx++
	it.yielded++
	return f, nil
}

func (it *ogcapiIterator) fetchPage(ctx context.Context) error {
	var page featurePage
	err := it.client.opts.Retry.do(ctx, func() error {
		raw, err := service.GetBodyRetry(ctx, it.nextURL, 0, it.client.opts.Fetch.Timeout, it.client.opts.Fetch.Credentials)
		if err != nil {
			return service.NewNetworkError("OGCAPI", "", "Items", err)
		}
		page = featurePage{}
		if err := json.Unmarshal(raw, &page); err != nil {
			return service.NewParseError("OGCAPI", "", "Items", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	it.buffer = it.buffer[:0]
	for _, f := range page.Features {
		gf := common.GeoFeature{Type: "Feature", CRS: it.crs}
		if gf.CRS == "" {
			gf.CRS = "CRS84"
		}
		gf.ID = strings.Trim(string(f.ID), `"`)
		if f.Geometry != nil && f.Geometry.Geometry != nil {
			gf.GeometryWKT = wkt.MustEncode(f.Geometry.Geometry)
		}
		for k, v := range f.Properties {
			gf.SetAttribute(k, strings.Trim(string(v), `"`))
		}
		it.buffer = append(it.buffer, gf)
	}
	it.idx = 0

	it.nextURL = ""
	for _, l := range page.Links {
		if l.Rel == "next" {
			it.nextURL = l.Href
			break
		}
	}
	if it.nextURL == "" || len(page.Features) == 0 {
		it.done = true
	}
	return nil
}

func (it *ogcapiIterator) Close() error {
	it.done = true
	it.buffer = nil
	if it.lastErr == nil {
		it.lastErr = Done
	}
	return nil
}

// DownloadCoverage streams the coverage of a collection into w (Coverages API)
func (c *OGCAPIClient) DownloadCoverage(ctx context.Context, collectionID string, q QueryOptions, w io.Writer) (int64, error) {
	if c.APIType != capabilities.APICoverages && c.APIType != capabilities.APIUnknown {
		return 0, service.NewValidationError("OGCAPI", "", "Coverage", "deployment is a %s API, not coverages", c.APIType)
	}
	v := url.Values{}
	if q.BBox != nil {
		v.Set("bbox", fmt.Sprintf("%g,%g,%g,%g", q.BBox.MinX, q.BBox.MinY, q.BBox.MaxX, q.BBox.MaxY))
	}
	u := c.Spec.Endpoint + "/collections/" + collectionID + "/coverage"
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	var written int64
	err := c.opts.Retry.do(ctx, func() error {
		var err error
		written, err = service.DownloadToWriter(ctx, u, w, c.opts.Fetch.Credentials)
		return err
	})
	if err != nil {
		return written, service.NewNetworkError("OGCAPI", "", "Coverage", err)
	}
	return written, nil
}

// DownloadMap renders the default map of a collection into w (Maps API)
func (c *OGCAPIClient) DownloadMap(ctx context.Context, collectionID string, bbox string, width, height int, w io.Writer) (int64, error) {
	if c.APIType != capabilities.APIMaps && c.APIType != capabilities.APIUnknown {
		return 0, service.NewValidationError("OGCAPI", "", "Map", "deployment is a %s API, not maps", c.APIType)
	}
	v := url.Values{}
	if bbox != "" {
		v.Set("bbox", bbox)
	}
	if width > 0 {
		v.Set("width", fmt.Sprintf("%d", width))
	}
	if height > 0 {
		v.Set("height", fmt.Sprintf("%d", height))
	}
	u := c.Spec.Endpoint + "/collections/" + collectionID + "/map"
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	var written int64
	err := c.opts.Retry.do(ctx, func() error {
		var err error
		written, err = service.DownloadToWriter(ctx, u, w, c.opts.Fetch.Credentials)
		return err
	})
	if err != nil {
		return written, service.NewNetworkError("OGCAPI", "", "Map", err)
	}
	return written, nil
}
