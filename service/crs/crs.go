// Package crs holds the bounding-box and spatial-reference helpers shared by
// every capability reader.
package crs

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Envelope is a bounding box [minX, minY, maxX, maxY] with an optional CRS
// identifier in codeSpace:identifier form (e.g. EPSG:25830).
type Envelope struct {
	MinX, MinY, MaxX, MaxY float64
	CRS                    string
}

// Valid returns whether min <= max on both axes
func (e Envelope) Valid() bool {
	return e.MinX <= e.MaxX && e.MinY <= e.MaxY
}

// Intersects returns whether the two envelopes overlap (CRS is not checked)
func (e Envelope) Intersects(o Envelope) bool {
	return e.MinX <= o.MaxX && o.MinX <= e.MaxX && e.MinY <= o.MaxY && o.MinY <= e.MaxY
}

func (e Envelope) String() string {
	if e.CRS == "" {
		return fmt.Sprintf("[%g %g %g %g]", e.MinX, e.MinY, e.MaxX, e.MaxY)
	}
	return fmt.Sprintf("[%g %g %g %g]@%s", e.MinX, e.MinY, e.MaxX, e.MaxY, e.CRS)
}

// FromCorners builds an Envelope from lower-left and upper-right corners given
// as whitespace-separated coordinate strings (gml:lowerCorner/gml:upperCorner
// or a pair of gml:pos).
func FromCorners(lower, upper, srsName string) (Envelope, error) {
	ll, err := parseCoords(lower)
	if err != nil {
		return Envelope{}, fmt.Errorf("FromCorners: %w", err)
	}
	ur, err := parseCoords(upper)
	if err != nil {
		return Envelope{}, fmt.Errorf("FromCorners: %w", err)
	}
	if len(ll) < 2 || len(ur) < 2 {
		return Envelope{}, fmt.Errorf("FromCorners: expected at least 2 coordinates per corner, got %d/%d", len(ll), len(ur))
	}
	env := Envelope{MinX: ll[0], MinY: ll[1], MaxX: ur[0], MaxY: ur[1], CRS: srsName}
	if !env.Valid() {
		return Envelope{}, fmt.Errorf("FromCorners: inverted envelope %s", env)
	}
	return env, nil
}

func parseCoords(s string) ([]float64, error) {
	fields := strings.Fields(s)
	coords := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("parseCoords %q: %w", s, err)
		}
		coords[i] = v
	}
	return coords, nil
}

var (
	urnRe  = regexp.MustCompile(`^urn:(?:x-)?ogc:def:crs:([A-Za-z0-9]+)(?::[^:]*)?:([A-Za-z0-9.]+)$`)
	httpRe = regexp.MustCompile(`^https?://www\.opengis\.net/def/crs/([A-Za-z0-9]+)/[^/]*/([A-Za-z0-9.]+)$`)
	codeRe = regexp.MustCompile(`^([A-Za-z]+):([0-9]+)$`)
)

// IdentifierFromURI extracts a codeSpace:identifier from the usual CRS URI
// notations without any network access:
//
//	urn:ogc:def:crs:EPSG::25830
//	http://www.opengis.net/def/crs/EPSG/0/25830
//	EPSG:25830
//
// Returns "" if the notation is not recognized.
func IdentifierFromURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if m := urnRe.FindStringSubmatch(uri); m != nil {
		return m[1] + ":" + m[2]
	}
	if m := httpRe.FindStringSubmatch(uri); m != nil {
		return m[1] + ":" + m[2]
	}
	if codeRe.MatchString(uri) {
		return uri
	}
	return ""
}

// Resolver dereferences CRS definition URIs to codeSpace:identifier strings.
// Results (including failures) are cached so each URI is fetched at most once
// per cache lifetime. A Resolver is safe for use by a single logical flow.
type Resolver struct {
	cache     *lru.Cache[string, string]
	timeout   time.Duration
	nbRetries int
	// FetchIdentifier is swapped in tests
	fetch func(ctx context.Context, uri string) (string, error)
}

// NewResolver returns a Resolver with an LRU of the given size
func NewResolver(cacheSize int, timeout time.Duration) *Resolver {
	cache, _ := lru.New[string, string](cacheSize)
	r := &Resolver{cache: cache, timeout: timeout, nbRetries: 1}
	r.fetch = r.fetchIdentifier
	return r
}

// Resolve returns the codeSpace:identifier for the given CRS URI.
// The URI syntax is tried first; otherwise the URI is dereferenced and the
// returned GML document is parsed for its gml:identifier. Any failure
// downgrades to ("", false): a missing CRS identifier never aborts the
// caller's larger operation.
func (r *Resolver) Resolve(ctx context.Context, uri string) (string, bool) {
	if uri == "" {
		return "", false
	}
	if id, ok := r.cache.Get(uri); ok {
		return id, id != ""
	}
	id := IdentifierFromURI(uri)
	if id == "" && strings.HasPrefix(uri, "http") {
		var err error
		if id, err = r.fetch(ctx, uri); err != nil {
			log.Logger(ctx).Sugar().Warnf("crs: no identifier at %s: %v", uri, err)
			id = ""
		}
	}
	r.cache.Add(uri, id)
	return id, id != ""
}

func (r *Resolver) fetchIdentifier(ctx context.Context, uri string) (string, error) {
	body, err := service.GetBodyRetry(ctx, uri, r.nbRetries, r.timeout, common.Credentials{})
	if err != nil {
		return "", fmt.Errorf("fetchIdentifier: %w", err)
	}
	id, codeSpace, err := gmlIdentifier(body)
	if err != nil {
		return "", fmt.Errorf("fetchIdentifier: %w", err)
	}
	return authority(codeSpace) + ":" + id, nil
}

// authority reduces a codeSpace (often a URI or URN) to its naming authority
func authority(codeSpace string) string {
	if id := IdentifierFromURI(codeSpace); id != "" {
		return strings.SplitN(id, ":", 2)[0]
	}
	codeSpace = strings.TrimSuffix(codeSpace, "/")
	if i := strings.LastIndexAny(codeSpace, "/:"); i >= 0 {
		return codeSpace[i+1:]
	}
	return codeSpace
}
