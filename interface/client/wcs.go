package client

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/geoharvest/ogc-ingester/interface/capabilities"
	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/crs"
	"github.com/geoharvest/ogc-ingester/service/log"
)

// WCSClient downloads coverages from a Web Coverage Service
type WCSClient struct {
	Capabilities *capabilities.WCS
	opts         ClientOptions
}

// NewWCSClient fetches the service capabilities and returns a ready client.
// A capabilities failure is fatal: no client is returned.
func NewWCSClient(ctx context.Context, endpoint, version string, opts ClientOptions) (*WCSClient, error) {
	caps, err := capabilities.FetchWCS(ctx, version, endpoint, opts.DescribeMode, opts.Fetch)
	if err != nil {
		return nil, fmt.Errorf("NewWCSClient.%w", err)
	}
	return &WCSClient{Capabilities: caps, opts: opts}, nil
}

// CoverageRequest narrows a GetCoverage download
type CoverageRequest struct {
	CoverageID string
	Format     string
	// Subset trims the coverage to an envelope; axis labels default to x/y
	Subset     *crs.Envelope
	AxisLabels [2]string
	OutputCRS  string
}

// DownloadCoverage issues a single GetCoverage request and streams the raster
// into w. Coverages are opaque payloads: unlike features there is no paging,
// one request either delivers the whole coverage or fails.
func (c *WCSClient) DownloadCoverage(ctx context.Context, req CoverageRequest, w io.Writer) (int64, error) {
	if err := c.validate(ctx, &req); err != nil {
		return 0, err
	}
	u := c.getCoverageURL(req)
	log.Logger(ctx).Sugar().Debugf("GetCoverage %s", req.CoverageID)

	var written int64
	err := c.opts.Retry.do(ctx, func() error {
		var err error
		written, err = service.DownloadToWriter(ctx, u, w, c.opts.Fetch.Credentials)
		return err
	})
	if err != nil {
		return written, service.NewNetworkError("WCS", c.Capabilities.Doc.Version, "GetCoverage", err)
	}
	return written, nil
}

// DownloadCoverageToFile issues a single GetCoverage request and saves the
// raster to filename, resuming partial downloads when possible.
func (c *WCSClient) DownloadCoverageToFile(ctx context.Context, req CoverageRequest, filename string) error {
	if err := c.validate(ctx, &req); err != nil {
		return err
	}
	u := c.getCoverageURL(req)
	err := c.opts.Retry.do(ctx, func() error {
		return service.DownloadToFile(ctx, u, filename, c.opts.Fetch.Credentials)
	})
	if err != nil {
		return fmt.Errorf("DownloadCoverageToFile.%w", err)
	}
	return nil
}

// validate checks the request against the capabilities before any network
// call, filling the format from the coverage description when unset.
func (c *WCSClient) validate(ctx context.Context, req *CoverageRequest) error {
	version := c.Capabilities.Doc.Version
	cov, ok, err := c.Capabilities.Coverage(ctx, req.CoverageID)
	if err != nil {
		return fmt.Errorf("DownloadCoverage.%w", err)
	}
	if !ok {
		return service.NewValidationError("WCS", version, "GetCoverage", "unknown coverage %s", req.CoverageID)
	}
	if req.Format == "" && cov.Detail != nil {
		req.Format = cov.Detail.NativeFormat
	}
	if req.Format != "" && cov.Detail != nil && len(cov.Detail.SupportedFormats) > 0 {
		supported := false
		for _, f := range cov.Detail.SupportedFormats {
			if strings.EqualFold(f, req.Format) {
				supported = true
				break
			}
		}
		if !supported {
			return service.NewValidationError("WCS", version, "GetCoverage", "coverage %s does not support format %s", req.CoverageID, req.Format)
		}
	}
	if req.AxisLabels == [2]string{} {
		req.AxisLabels = [2]string{"x", "y"}
		if cov.Detail != nil && len(cov.Detail.AxisLabels) >= 2 {
			req.AxisLabels = [2]string{cov.Detail.AxisLabels[0], cov.Detail.AxisLabels[1]}
		}
	}
	return nil
}

// getCoverageURL builds the KVP GetCoverage request. 2.0.x uses coverageId and
// subset per axis, 1.0.0 coverage and bbox.
func (c *WCSClient) getCoverageURL(req CoverageRequest) string {
	version := c.Capabilities.Doc.Version
	v := url.Values{}
	v.Set("service", "WCS")
	v.Set("version", version)
	v.Set("request", "GetCoverage")
	if req.Format != "" {
		v.Set("format", req.Format)
	}

	if strings.HasPrefix(version, "2.") {
		v.Set("coverageId", req.CoverageID)
		if req.Subset != nil {
			v.Add("subset", fmt.Sprintf("%s(%g,%g)", req.AxisLabels[0], req.Subset.MinX, req.Subset.MaxX))
			v.Add("subset", fmt.Sprintf("%s(%g,%g)", req.AxisLabels[1], req.Subset.MinY, req.Subset.MaxY))
		}
		if req.OutputCRS != "" {
			v.Set("outputCrs", req.OutputCRS)
		}
	} else {
		v.Set("coverage", req.CoverageID)
		if req.Subset != nil {
			v.Set("bbox", fmt.Sprintf("%g,%g,%g,%g", req.Subset.MinX, req.Subset.MinY, req.Subset.MaxX, req.Subset.MaxY))
			if req.Subset.CRS != "" {
				v.Set("crs", req.Subset.CRS)
			}
		}
		if req.OutputCRS != "" {
			v.Set("response_crs", req.OutputCRS)
		}
	}
	return service.TrimQuery(c.Capabilities.Doc.Endpoint) + "?" + v.Encode()
}
