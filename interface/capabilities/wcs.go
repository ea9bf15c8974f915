package capabilities

import (
	"context"
	"fmt"
	"strings"

	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/crs"
	"github.com/geoharvest/ogc-ingester/service/log"
)

type wcsVariant int

const (
	wcs1 wcsVariant = iota // 1.0.0: CoverageOfferingBrief, lonLatEnvelope
	wcs2                   // 2.0.x: CoverageSummary, ows bounding boxes
)

// DescribeMode controls whether coverage listings trigger the secondary
// DescribeCoverage request per coverage.
type DescribeMode int

const (
	// DescribeOnDemand issues DescribeCoverage lazily, the first time a
	// coverage's detailed description is asked for.
	DescribeOnDemand DescribeMode = iota
	// DescribeNever serves descriptors from the capabilities document only
	DescribeNever
)

// CoverageDescriptor describes one coverage offered by a WCS.
// Detail describes the fields only DescribeCoverage can fill.
type CoverageDescriptor struct {
	ID       string
	Title    string
	Abstract string
	Subtype  string
	Envelope crs.Envelope

	// filled by DescribeCoverage (nil under DescribeNever or before the
	// on-demand fetch)
	Detail *CoverageDetail
}

// CoverageDetail is the DescribeCoverage view of a coverage
type CoverageDetail struct {
	NativeCRS        string
	NativeFormat     string
	SupportedFormats []string
	SupportedCRS     []string
	AxisLabels       []string
	Envelope         crs.Envelope
}

// WCS reads a Web Coverage Service capabilities document
type WCS struct {
	Doc          *Document
	DescribeMode DescribeMode
	variant      wcsVariant

	details map[string]*CoverageDetail
}

// NewWCS wraps a fetched capabilities Document, detecting the protocol version
func NewWCS(doc *Document, mode DescribeMode) (*WCS, error) {
	w := &WCS{Doc: doc, DescribeMode: mode, details: map[string]*CoverageDetail{}}
	switch {
	case strings.HasPrefix(doc.Version, "2."):
		w.variant = wcs2
	case strings.HasPrefix(doc.Version, "1."):
		w.variant = wcs1
	default:
		return nil, service.NewParseError("WCS", doc.Version, "GetCapabilities", fmt.Errorf("unable to detect WCS version from document root %s", doc.Root().XMLName.Space))
	}
	return w, nil
}

// FetchWCS fetches the capabilities of the service at endpoint and returns a reader
func FetchWCS(ctx context.Context, version, endpoint string, mode DescribeMode, opts FetchOptions) (*WCS, error) {
	doc, err := Fetch(ctx, common.ServiceWCS, version, endpoint, opts)
	if err != nil {
		return nil, err
	}
	return NewWCS(doc, mode)
}

// ServiceInfo returns the service title, abstract and advertised version
func (w *WCS) ServiceInfo() (title, abstract, version string) {
	if si := w.Doc.Root().Find("ServiceIdentification"); si != nil {
		return si.FindText("Title"), si.FindText("Abstract"), si.FindText("ServiceTypeVersion")
	}
	// 1.0.0 wcs:Service block
	if s := w.Doc.Root().Find("Service"); s != nil {
		return s.FindText("label"), s.FindText("description"), w.Doc.Version
	}
	return "", "", w.Doc.Version
}

// Operations returns the advertised operation names
func (w *WCS) Operations() []string {
	var ops []string
	if om := w.Doc.Root().Find("OperationsMetadata"); om != nil {
		for _, op := range om.FindAll("Operation") {
			ops = append(ops, op.Attr("name"))
		}
		return ops
	}
	// 1.0.0: wcs:Capability/wcs:Request children are the operations
	if cap := w.Doc.Root().Find("Capability"); cap != nil {
		if req := cap.Find("Request"); req != nil {
			for _, c := range req.Children {
				ops = append(ops, c.XMLName.Local)
			}
		}
	}
	return ops
}

// SupportedFormats returns the coverage output formats advertised at service
// level (2.0.x ServiceMetadata). 1.0.0 declares formats per coverage, so an
// empty result there is expected.
func (w *WCS) SupportedFormats() []string {
	var formats []string
	if sm := w.Doc.Root().Find("ServiceMetadata"); sm != nil {
		for _, f := range sm.FindAll("formatSupported") {
			formats = append(formats, f.Text())
		}
	}
	return formats
}

// SupportedCRS returns the CRS advertised at service level (2.0.x CRS extension)
func (w *WCS) SupportedCRS() []string {
	var out []string
	if sm := w.Doc.Root().Find("ServiceMetadata"); sm != nil {
		for _, n := range sm.Descendants("crsSupported") {
			v := n.Text()
			if id := crs.IdentifierFromURI(v); id != "" {
				v = id
			}
			out = append(out, v)
		}
	}
	return out
}

// Coverages lists the offered coverages in document order. Under
// DescribeOnDemand the Detail field stays nil until Describe is called.
func (w *WCS) Coverages() []CoverageDescriptor {
	if w.variant == wcs1 {
		return w.coveragesV1()
	}
	return w.coveragesV2()
}

func (w *WCS) coveragesV1() []CoverageDescriptor {
	var covs []CoverageDescriptor
	for _, n := range w.Doc.Root().Descendants("CoverageOfferingBrief") {
		c := CoverageDescriptor{
			ID:       n.FindText("name"),
			Title:    n.FindText("label"),
			Abstract: n.FindText("description"),
		}
		if env, ok := ReadEnvelope(n.Find("lonLatEnvelope")); ok {
			if env.CRS == "" {
				env.CRS = "EPSG:4326"
			}
			c.Envelope = env
		}
		covs = append(covs, c)
	}
	return covs
}

func (w *WCS) coveragesV2() []CoverageDescriptor {
	var covs []CoverageDescriptor
	contents := w.Doc.Root().Find("Contents")
	if contents == nil {
		return nil
	}
	for _, n := range contents.FindAll("CoverageSummary") {
		c := CoverageDescriptor{
			ID:       n.FindText("CoverageId"),
			Title:    n.FindText("Title"),
			Abstract: n.FindText("Abstract"),
			Subtype:  n.FindText("CoverageSubtype"),
		}
		bbox := n.Find("WGS84BoundingBox")
		if bbox == nil {
			bbox = n.Find("BoundingBox")
		}
		if env, ok := ReadEnvelope(bbox); ok {
			if env.CRS == "" {
				env.CRS = "EPSG:4326"
			}
			c.Envelope = env
		}
		covs = append(covs, c)
	}
	return covs
}

// Coverage returns the descriptor of the given coverage id. Under
// DescribeOnDemand the detailed description is fetched (once) and attached.
func (w *WCS) Coverage(ctx context.Context, id string) (CoverageDescriptor, bool, error) {
	for _, c := range w.Coverages() {
		if c.ID != id {
			continue
		}
		if w.DescribeMode == DescribeOnDemand {
			detail, err := w.Describe(ctx, id)
			if err != nil {
				return CoverageDescriptor{}, false, err
			}
			c.Detail = detail
		}
		return c, true, nil
	}
	return CoverageDescriptor{}, false, nil
}

// Describe issues DescribeCoverage for the given id and caches the result.
// Repeat calls do not re-fetch.
func (w *WCS) Describe(ctx context.Context, id string) (*CoverageDetail, error) {
	if d, ok := w.details[id]; ok {
		return d, nil
	}
	params := map[string]string{"coverageId": id}
	if w.variant == wcs1 {
		params = map[string]string{"coverage": id}
	}
	node, _, err := w.Doc.subRequest(ctx, "DescribeCoverage", params)
	if err != nil {
		return nil, fmt.Errorf("Describe.%w", err)
	}
	var detail *CoverageDetail
	if w.variant == wcs1 {
		detail = describeV1(node)
	} else {
		detail = describeV2(node)
	}
	if detail == nil {
		return nil, service.NewParseError("WCS", w.Doc.Version, "DescribeCoverage", fmt.Errorf("no coverage description for %s", id))
	}
	log.Logger(ctx).Sugar().Debugf("described coverage %s: %d formats", id, len(detail.SupportedFormats))
	w.details[id] = detail
	return detail, nil
}

func describeV1(node *Node) *CoverageDetail {
	offering := node.FirstDescendant("CoverageOffering")
	if offering == nil {
		return nil
	}
	d := &CoverageDetail{}
	if sf := offering.Find("supportedFormats"); sf != nil {
		d.NativeFormat = sf.Attr("nativeFormat")
		for _, f := range sf.FindAll("formats") {
			d.SupportedFormats = append(d.SupportedFormats, f.Text())
		}
	}
	if sc := offering.Find("supportedCRSs"); sc != nil {
		d.NativeCRS = normalizeCRS(sc.FindText("nativeCRSs"))
		for _, c := range sc.FindAll("requestResponseCRSs") {
			d.SupportedCRS = append(d.SupportedCRS, normalizeCRS(c.Text()))
		}
	}
	if env, ok := ReadEnvelope(offering.Find("lonLatEnvelope")); ok {
		d.Envelope = env
	}
	return d
}

func describeV2(node *Node) *CoverageDetail {
	desc := node.FirstDescendant("CoverageDescription")
	if desc == nil {
		return nil
	}
	d := &CoverageDetail{NativeFormat: desc.FindText("nativeFormat")}
	if env := desc.FirstDescendant("Envelope"); env != nil {
		d.NativeCRS = normalizeCRS(env.Attr("srsName"))
		if labels := env.Attr("axisLabels"); labels != "" {
			d.AxisLabels = strings.Fields(labels)
		}
		if e, ok := ReadEnvelope(env); ok {
			d.Envelope = e
		}
	}
	if sd := desc.Find("ServiceParameters"); sd != nil {
		if f := sd.FindText("nativeFormat"); f != "" {
			d.NativeFormat = f
		}
	}
	return d
}
