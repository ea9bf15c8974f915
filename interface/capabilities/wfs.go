package capabilities

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/crs"
	"github.com/geoharvest/ogc-ingester/service/log"
)

// wfsVariant selects the element layout of the capabilities tree.
// Element names differ between WFS 1.1.0 and 2.0.0 (DefaultSRS vs DefaultCRS,
// wfs:Name vs Name namespace prefixes), so traversal is keyed on the detected
// version rather than spread over per-version types.
type wfsVariant int

const (
	wfs11 wfsVariant = iota
	wfs20
)

// FeatureTypeDescriptor describes one queryable dataset of a WFS.
// Read-only, derived entirely from the capabilities document.
type FeatureTypeDescriptor struct {
	Name          string
	Title         string
	Abstract      string
	DefaultCRS    string
	OtherCRS      []string
	OutputFormats []string
	Envelope      crs.Envelope
}

// SupportsCRS returns whether the descriptor advertises the given CRS
// (compared on codeSpace:identifier form)
func (ft *FeatureTypeDescriptor) SupportsCRS(c string) bool {
	want := normalizeCRS(c)
	if normalizeCRS(ft.DefaultCRS) == want {
		return true
	}
	for _, o := range ft.OtherCRS {
		if normalizeCRS(o) == want {
			return true
		}
	}
	return false
}

func normalizeCRS(c string) string {
	if id := crs.IdentifierFromURI(c); id != "" {
		return id
	}
	return c
}

// StoredQueryParameter is one declared parameter of a stored query
type StoredQueryParameter struct {
	Name     string
	Type     string
	Abstract string
	// Required is true unless the declaration carries a default value
	Required bool
}

// StoredQuery is a named, parameterized query predefined on the server
type StoredQuery struct {
	ID         string
	Title      string
	Abstract   string
	Parameters []StoredQueryParameter
}

// Parameter returns the declared parameter with the given name (case-insensitive)
func (sq *StoredQuery) Parameter(name string) (StoredQueryParameter, bool) {
	for _, p := range sq.Parameters {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return StoredQueryParameter{}, false
}

// Validate checks caller-supplied arguments against the declared parameter
// list: every required parameter must be present and no unknown parameter is
// accepted. Called before any network request.
func (sq *StoredQuery) Validate(args map[string]string) error {
	for name := range args {
		if _, ok := sq.Parameter(name); !ok {
			return service.NewValidationError("WFS", "", "GetFeature", "parameter %s is not declared by stored query %s", name, sq.ID)
		}
	}
	for _, p := range sq.Parameters {
		if !p.Required {
			continue
		}
		found := false
		for name := range args {
			if strings.EqualFold(p.Name, name) {
				found = true
				break
			}
		}
		if !found {
			return service.NewValidationError("WFS", "", "GetFeature", "missing required parameter %s of stored query %s", p.Name, sq.ID)
		}
	}
	return nil
}

// Constraint is an advertised service constraint or parameter domain
type Constraint struct {
	AllowedValues []string
	DefaultValue  string
}

// WFS reads a Web Feature Service capabilities document
type WFS struct {
	Doc     *Document
	variant wfsVariant

	storedQueries []StoredQuery // lazily fetched, nil until loaded
	sqLoaded      bool
}

// NewWFS wraps a fetched capabilities Document, detecting the protocol
// version from the document root.
func NewWFS(doc *Document) (*WFS, error) {
	w := &WFS{Doc: doc}
	switch {
	case strings.HasPrefix(doc.Version, "2."):
		w.variant = wfs20
	case strings.HasPrefix(doc.Version, "1."):
		w.variant = wfs11
	case strings.Contains(doc.Root().XMLName.Space, "/wfs/2"):
		w.variant = wfs20
		doc.Version = "2.0.0"
	default:
		return nil, service.NewParseError("WFS", doc.Version, "GetCapabilities", fmt.Errorf("unable to detect WFS version from document root %s", doc.Root().XMLName.Space))
	}
	return w, nil
}

// FetchWFS fetches the capabilities of the service at endpoint and returns a reader
func FetchWFS(ctx context.Context, version, endpoint string, opts FetchOptions) (*WFS, error) {
	doc, err := Fetch(ctx, common.ServiceWFS, version, endpoint, opts)
	if err != nil {
		return nil, err
	}
	return NewWFS(doc)
}

// ServiceInfo returns the service title, abstract and advertised version
func (w *WFS) ServiceInfo() (title, abstract, version string) {
	if si := w.Doc.Root().Find("ServiceIdentification"); si != nil {
		return si.FindText("Title"), si.FindText("Abstract"), si.FindText("ServiceTypeVersion")
	}
	return "", "", w.Doc.Version
}

// Operations returns the operation names advertised in ows:OperationsMetadata
func (w *WFS) Operations() []string {
	var ops []string
	if om := w.Doc.Root().Find("OperationsMetadata"); om != nil {
		for _, op := range om.FindAll("Operation") {
			ops = append(ops, op.Attr("name"))
		}
	}
	return ops
}

// SupportsOperation returns whether the named operation is advertised
func (w *WFS) SupportsOperation(name string) bool {
	for _, op := range w.Operations() {
		if op == name {
			return true
		}
	}
	return false
}

func constraintFromNode(n *Node) Constraint {
	c := Constraint{DefaultValue: n.FindText("DefaultValue")}
	if av := n.Find("AllowedValues"); av != nil {
		for _, v := range av.FindAll("Value") {
			c.AllowedValues = append(c.AllowedValues, v.Text())
		}
	}
	// WFS 1.1.0 puts values directly under the parameter
	for _, v := range n.FindAll("Value") {
		c.AllowedValues = append(c.AllowedValues, v.Text())
	}
	return c
}

// Constraints returns the ows:Constraint domains of the document
func (w *WFS) Constraints() map[string]Constraint {
	constraints := map[string]Constraint{}
	for _, n := range w.Doc.Root().Descendants("Constraint") {
		if name := n.Attr("name"); name != "" {
			constraints[name] = constraintFromNode(n)
		}
	}
	return constraints
}

// QueryConstraint returns the named constraint, if advertised
func (w *WFS) QueryConstraint(name string) (Constraint, bool) {
	c, ok := w.Constraints()[name]
	return c, ok
}

// Parameters returns the ows:Parameter domains of the document
func (w *WFS) Parameters() map[string]Constraint {
	parameters := map[string]Constraint{}
	for _, n := range w.Doc.Root().Descendants("Parameter") {
		if name := n.Attr("name"); name != "" {
			parameters[name] = constraintFromNode(n)
		}
	}
	return parameters
}

// CountDefault returns the advertised page-size ceiling (CountDefault
// constraint), or 0 if the service does not declare one.
func (w *WFS) CountDefault() int {
	if c, ok := w.QueryConstraint("CountDefault"); ok && c.DefaultValue != "" {
		if v, err := strconv.Atoi(c.DefaultValue); err == nil {
			return v
		}
	}
	return 0
}

// ImplementsResultPaging returns whether the service advertises result paging
func (w *WFS) ImplementsResultPaging() bool {
	c, ok := w.QueryConstraint("ImplementsResultPaging")
	return ok && strings.EqualFold(c.DefaultValue, "TRUE")
}

// FeatureTypes lists the queryable feature types in document order
func (w *WFS) FeatureTypes() []FeatureTypeDescriptor {
	var fts []FeatureTypeDescriptor
	ftl := w.Doc.Root().Find("FeatureTypeList")
	if ftl == nil {
		return nil
	}
	defaultSRS, otherSRS := "DefaultCRS", "OtherCRS"
	if w.variant == wfs11 {
		defaultSRS, otherSRS = "DefaultSRS", "OtherSRS"
	}
	for _, n := range ftl.FindAll("FeatureType") {
		ft := FeatureTypeDescriptor{
			Name:       n.FindText("Name"),
			Title:      n.FindText("Title"),
			Abstract:   n.FindText("Abstract"),
			DefaultCRS: n.FindText(defaultSRS),
		}
		for _, o := range n.FindAll(otherSRS) {
			ft.OtherCRS = append(ft.OtherCRS, o.Text())
		}
		if of := n.Find("OutputFormats"); of != nil {
			for _, f := range of.FindAll("Format") {
				ft.OutputFormats = append(ft.OutputFormats, f.Text())
			}
		}
		if env, ok := ReadEnvelope(n.Find("WGS84BoundingBox")); ok {
			if env.CRS == "" {
				env.CRS = "EPSG:4326"
			}
			ft.Envelope = env
		}
		fts = append(fts, ft)
	}
	return fts
}

// FeatureType returns the descriptor of the named feature type
func (w *WFS) FeatureType(name string) (FeatureTypeDescriptor, bool) {
	for _, ft := range w.FeatureTypes() {
		if ft.Name == name {
			return ft, true
		}
	}
	return FeatureTypeDescriptor{}, false
}

// StoredQueries lists the stored queries of the service, fetching their
// descriptions on first call (ListStoredQueries + DescribeStoredQueries).
// Services that do not advertise ListStoredQueries yield an empty list.
func (w *WFS) StoredQueries(ctx context.Context) ([]StoredQuery, error) {
	if w.sqLoaded {
		return w.storedQueries, nil
	}
	if !w.SupportsOperation("ListStoredQueries") {
		w.sqLoaded = true
		return nil, nil
	}

	list, _, err := w.Doc.subRequest(ctx, "ListStoredQueries", nil)
	if err != nil {
		return nil, fmt.Errorf("StoredQueries.%w", err)
	}
	var queries []StoredQuery
	for _, sqNode := range list.Descendants("StoredQuery") {
		id := sqNode.Attr("id")
		if id == "" {
			continue
		}
		sq, err := w.describeStoredQuery(ctx, id)
		if err != nil {
			// one broken description does not hide the others
			log.Logger(ctx).Sugar().Warnf("StoredQueries: skipping %s: %v", id, err)
			continue
		}
		queries = append(queries, sq)
	}
	w.storedQueries = queries
	w.sqLoaded = true
	return queries, nil
}

// DescribeStoredQuery returns the stored query with the given id, if declared
func (w *WFS) DescribeStoredQuery(ctx context.Context, id string) (StoredQuery, bool, error) {
	queries, err := w.StoredQueries(ctx)
	if err != nil {
		return StoredQuery{}, false, err
	}
	for _, sq := range queries {
		if sq.ID == id {
			return sq, true, nil
		}
	}
	return StoredQuery{}, false, nil
}

func (w *WFS) describeStoredQuery(ctx context.Context, id string) (StoredQuery, error) {
	desc, _, err := w.Doc.subRequest(ctx, "DescribeStoredQueries", map[string]string{"storedQuery_ID": id})
	if err != nil {
		return StoredQuery{}, err
	}
	descNode := desc.FirstDescendant("StoredQueryDescription")
	if descNode == nil {
		return StoredQuery{}, service.NewParseError("WFS", w.Doc.Version, "DescribeStoredQueries", fmt.Errorf("no StoredQueryDescription for %s", id))
	}
	sq := StoredQuery{
		ID:       id,
		Title:    descNode.FindText("Title"),
		Abstract: descNode.FindText("Abstract"),
	}
	for _, p := range descNode.FindAll("Parameter") {
		ptype := p.Attr("type")
		if parts := strings.SplitN(ptype, ":", 2); len(parts) == 2 {
			ptype = parts[1]
		}
		sq.Parameters = append(sq.Parameters, StoredQueryParameter{
			Name:     p.Attr("name"),
			Type:     ptype,
			Abstract: p.FindText("Abstract"),
			Required: p.FindText("DefaultValue") == "" && !strings.EqualFold(p.Attr("required"), "false"),
		})
	}
	return sq, nil
}
