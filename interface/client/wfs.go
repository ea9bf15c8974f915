package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/interface/capabilities"
	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/log"
)

// wfsParamNames are the GetFeature KVP names, which were renamed between
// WFS 1.1.0 and 2.0.0.
type wfsParamNames struct {
	typeName   string
	count      string
	startIndex string
	srsName    string
}

func paramsForVersion(version string) wfsParamNames {
	if strings.HasPrefix(version, "2.") {
		return wfsParamNames{typeName: "typeNames", count: "count", startIndex: "startIndex", srsName: "srsName"}
	}
	return wfsParamNames{typeName: "typename", count: "maxFeatures", startIndex: "startIndex", srsName: "srsName"}
}

func (n wfsParamNames) contains(k string) bool {
	return strings.EqualFold(k, n.typeName) || strings.EqualFold(k, n.count) ||
		strings.EqualFold(k, n.startIndex) || strings.EqualFold(k, n.srsName)
}

// validateFilter rejects raw predicates that collide with the KVP names of the
// negotiated version (those belong to the query options) or of another version
// (the server would silently ignore them).
func validateFilter(version string, filter map[string]string) error {
	names := paramsForVersion(version)
	other := paramsForVersion("1.1.0")
	if other == names {
		other = paramsForVersion("2.0.0")
	}
	for k := range filter {
		if names.contains(k) {
			return service.NewValidationError("WFS", version, "GetFeature", "parameter %s is managed by the client, use the query options", k)
		}
		if other.contains(k) {
			return service.NewValidationError("WFS", version, "GetFeature", "parameter %s is not valid for WFS %s", k, version)
		}
	}
	return nil
}

// WFSClient downloads features from a Web Feature Service
type WFSClient struct {
	Capabilities *capabilities.WFS
	opts         ClientOptions
}

// NewWFSClient fetches the service capabilities and returns a ready client.
// A capabilities failure is fatal: no client is returned.
func NewWFSClient(ctx context.Context, endpoint, version string, opts ClientOptions) (*WFSClient, error) {
	caps, err := capabilities.FetchWFS(ctx, version, endpoint, opts.Fetch)
	if err != nil {
		return nil, fmt.Errorf("NewWFSClient.%w", err)
	}
	return &WFSClient{Capabilities: caps, opts: opts}, nil
}

// DownloadFeatures returns a lazy iterator over the features of the given
// type. All validation happens here, before any data request: unknown type,
// unsupported output CRS and malformed stored-query arguments fail fast.
func (c *WFSClient) DownloadFeatures(ctx context.Context, typeName string, q QueryOptions) (FeatureIterator, error) {
	version := c.Capabilities.Doc.Version

	if err := validateFilter(version, q.Filter); err != nil {
		return nil, err
	}
	defaultCRS := ""
	if q.StoredQueryID == "" {
		ft, ok := c.Capabilities.FeatureType(typeName)
		if !ok {
			return nil, service.NewValidationError("WFS", version, "GetFeature", "unknown feature type %s", typeName)
		}
		if q.OutputCRS != "" && !ft.SupportsCRS(q.OutputCRS) {
			return nil, service.NewValidationError("WFS", version, "GetFeature", "feature type %s does not support CRS %s", typeName, q.OutputCRS)
		}
		defaultCRS = ft.DefaultCRS
	} else {
		sq, ok, err := c.Capabilities.DescribeStoredQuery(ctx, q.StoredQueryID)
		if err != nil {
			return nil, fmt.Errorf("DownloadFeatures.%w", err)
		}
		if !ok {
			return nil, service.NewValidationError("WFS", version, "GetFeature", "unknown stored query %s", q.StoredQueryID)
		}
		if err := sq.Validate(q.StoredQueryParams); err != nil {
			return nil, err
		}
	}

	pageSize := q.MaxFeatures
	if pageSize <= 0 {
		pageSize = c.Capabilities.CountDefault()
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if q.OutputCRS != "" {
		defaultCRS = q.OutputCRS
	}

	return &wfsIterator{
		client:     c,
		version:    version,
		pageSize:   pageSize,
		defaultCRS: defaultCRS,
		pageURL:    func(start int) string { return c.getFeatureURL(typeName, q, pageSize, start) },
		state:      stateCapabilitiesLoaded,
		matched:    -1,
	}, nil
}

// getFeatureURL builds the KVP GetFeature request for one page
func (c *WFSClient) getFeatureURL(typeName string, q QueryOptions, pageSize, start int) string {
	version := c.Capabilities.Doc.Version
	names := paramsForVersion(version)

	v := url.Values{}
	v.Set("service", "WFS")
	v.Set("version", version)
	v.Set("request", "GetFeature")
	if q.StoredQueryID != "" {
		v.Set("storedQuery_ID", q.StoredQueryID)
		for k, val := range q.StoredQueryParams {
			v.Set(k, val)
		}
	} else {
		v.Set(names.typeName, typeName)
	}
	v.Set(names.count, fmt.Sprintf("%d", pageSize))
	if start > 0 {
		v.Set(names.startIndex, fmt.Sprintf("%d", start))
	}
	if q.OutputCRS != "" {
		v.Set(names.srsName, q.OutputCRS)
	}
	if q.BBox != nil {
		bbox := fmt.Sprintf("%g,%g,%g,%g", q.BBox.MinX, q.BBox.MinY, q.BBox.MaxX, q.BBox.MaxY)
		if q.BBox.CRS != "" {
			bbox += "," + q.BBox.CRS
		}
		v.Set("bbox", bbox)
	}
	for k, val := range q.Filter {
		v.Set(k, val)
	}
	return service.TrimQuery(c.Capabilities.Doc.Endpoint) + "?" + v.Encode()
}

// wfsIterator pages through GetFeature responses. A page shorter than the
// requested count means the result set is exhausted.
type wfsIterator struct {
	client     *WFSClient
	version    string
	pageSize   int
	defaultCRS string
	pageURL    func(start int) string

	state   iterState
	buffer  []common.GeoFeature
	idx     int
	start   int
	yielded int
	matched int
	lastErr error
}

func (it *wfsIterator) Next(ctx context.Context) (common.GeoFeature, error) {
	if it.lastErr != nil {
		return common.GeoFeature{}, it.lastErr
	}
	for it.idx >= len(it.buffer) {
		if it.state == stateDone {
			return common.GeoFeature{}, Done
		}
		if err := it.fetchPage(ctx); err != nil {
			it.state = stateDone
			it.lastErr = service.NewRetrievalError("WFS", it.version, "GetFeature", it.yielded, err)
			return common.GeoFeature{}, it.lastErr
		}
	}
	f := it.buffer[it.idx]
	it.idx++
	it.yielded++
	return f, nil
}

func (it *wfsIterator) fetchPage(ctx context.Context) error {
	it.state = stateQuerying
	pageURL := it.pageURL(it.start)
	log.Logger(ctx).Sugar().Debugf("GetFeature page startIndex=%d count=%d", it.start, it.pageSize)

	var page *gmlPage
	err := it.client.opts.Retry.do(ctx, func() error {
		raw, err := service.GetBodyRetry(ctx, pageURL, 0, it.client.opts.Fetch.Timeout, it.client.opts.Fetch.Credentials)
		if err != nil {
			return service.NewNetworkError("WFS", it.version, "GetFeature", err)
		}
		page, err = decodeGMLPage(it.version, raw, it.defaultCRS)
		return err
	})
	if err != nil {
		return err
	}

	it.buffer = page.Features
	it.idx = 0
	it.start += len(page.Features)
	if page.NumberMatched >= 0 {
		it.matched = page.NumberMatched
	}
	it.state = stateStreaming

	// a short page ends the scan; so does reaching the reported total
	if len(page.Features) < it.pageSize || (it.matched >= 0 && it.start >= it.matched) {
		it.state = stateDone
	}
	if len(page.Features) == 0 {
		it.state = stateDone
	}
	return nil
}

func (it *wfsIterator) Close() error {
	it.state = stateDone
	it.buffer = nil
	if it.lastErr == nil {
		it.lastErr = Done
	}
	return nil
}
