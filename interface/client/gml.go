package client

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkt"

	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/interface/capabilities"
	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/crs"
)

// gmlPage is one decoded GetFeature response
type gmlPage struct {
	Features []common.GeoFeature
	// NumberMatched is -1 when the server does not report it
	NumberMatched  int
	NumberReturned int
}

// geometry element names recognized inside a feature
var gmlGeometryNames = map[string]bool{
	"Point": true, "LineString": true, "Curve": true, "Polygon": true,
	"Surface": true, "MultiPoint": true, "MultiCurve": true,
	"MultiLineString": true, "MultiSurface": true, "MultiPolygon": true,
}

// decodeGMLPage parses a WFS GetFeature response into features. A server
// ExceptionReport in place of a collection is surfaced as an error.
func decodeGMLPage(serviceVersion string, raw []byte, defaultCRS string) (*gmlPage, error) {
	root := &capabilities.Node{}
	if err := xml.Unmarshal(raw, root); err != nil {
		return nil, service.NewParseError("WFS", serviceVersion, "GetFeature", err)
	}
	if root.XMLName.Local == "ExceptionReport" || root.XMLName.Local == "ServiceExceptionReport" {
		return nil, service.NewParseError("WFS", serviceVersion, "GetFeature", fmt.Errorf("server exception: %s", exceptionText(root)))
	}

	page := &gmlPage{NumberMatched: -1}
	if v, err := strconv.Atoi(root.Attr("numberMatched")); err == nil {
		page.NumberMatched = v
	}
	if v, err := strconv.Atoi(root.Attr("numberReturned")); err == nil {
		page.NumberReturned = v
	}

	for _, member := range memberNodes(root) {
		f, ok := decodeFeature(member, defaultCRS)
		if !ok {
			continue
		}
		page.Features = append(page.Features, f)
	}
	if page.NumberReturned == 0 {
		page.NumberReturned = len(page.Features)
	}
	return page, nil
}

// exceptionText flattens the texts of an exception report
func exceptionText(root *capabilities.Node) string {
	var parts []string
	for _, n := range root.Descendants("ExceptionText") {
		parts = append(parts, n.Text())
	}
	for _, n := range root.Descendants("ServiceException") {
		parts = append(parts, n.Text())
	}
	if len(parts) == 0 {
		return "unspecified"
	}
	return strings.Join(parts, "; ")
}

// memberNodes lists the feature elements of a collection. 2.0 wraps each in
// wfs:member, 1.1 in gml:featureMember, and some servers batch them under a
// single gml:featureMembers.
func memberNodes(root *capabilities.Node) []*capabilities.Node {
	var features []*capabilities.Node
	for i := range root.Children {
		c := &root.Children[i]
		switch c.XMLName.Local {
		case "member", "featureMember":
			for j := range c.Children {
				features = append(features, &c.Children[j])
			}
		case "featureMembers":
			for j := range c.Children {
				features = append(features, &c.Children[j])
			}
		}
	}
	return features
}

// decodeFeature flattens one feature element into a GeoFeature. Simple-text
// children become attributes; the first recognized geometry child becomes WKT.
func decodeFeature(n *capabilities.Node, defaultCRS string) (common.GeoFeature, bool) {
	f := common.GeoFeature{
		Type: n.XMLName.Local,
		CRS:  defaultCRS,
	}
	f.ID = n.Attr("id")
	if f.ID == "" {
		f.ID = n.Attr("fid")
	}
	for i := range n.Children {
		c := &n.Children[i]
		// geometry properties wrap the geometry element one level down
		g, srs, ok := findGeometry(c)
		if ok && f.GeometryWKT == "" {
			f.GeometryWKT = wkt.MustEncode(g)
			if srs != "" {
				if id := crs.IdentifierFromURI(srs); id != "" {
					f.CRS = id
				} else {
					f.CRS = srs
				}
			}
			continue
		}
		if len(c.Children) == 0 && c.Text() != "" {
			f.SetAttribute(c.XMLName.Local, c.Text())
		}
	}
	return f, f.ID != "" || len(f.Attributes) > 0 || f.GeometryWKT != ""
}

// findGeometry looks for a geometry element at the property node or one level
// below it.
func findGeometry(n *capabilities.Node) (geom.Geometry, string, bool) {
	if gmlGeometryNames[n.XMLName.Local] {
		g, err := nodeGeometry(n)
		return g, n.Attr("srsName"), err == nil
	}
	for i := range n.Children {
		c := &n.Children[i]
		if gmlGeometryNames[c.XMLName.Local] {
			g, err := nodeGeometry(c)
			return g, c.Attr("srsName"), err == nil
		}
	}
	return nil, "", false
}

// nodeGeometry converts a GML geometry element to a geom.Geometry
func nodeGeometry(n *capabilities.Node) (geom.Geometry, error) {
	dim := srsDimension(n)
	switch n.XMLName.Local {
	case "Point":
		pts, err := nodeCoords(n, dim)
		if err != nil || len(pts) == 0 {
			return nil, fmt.Errorf("nodeGeometry: invalid Point: %v", err)
		}
		return geom.Point(pts[0]), nil
	case "LineString", "Curve":
		pts, err := nodeCoords(n, dim)
		if err != nil {
			return nil, err
		}
		return geom.LineString(pts), nil
	case "Polygon", "Surface":
		return nodePolygon(n, dim)
	case "MultiPoint":
		var mp geom.MultiPoint
		for _, m := range n.Descendants("Point") {
			pts, err := nodeCoords(m, srsDimension(m))
			if err != nil || len(pts) == 0 {
				continue
			}
			mp = append(mp, pts[0])
		}
		return mp, nil
	case "MultiCurve", "MultiLineString":
		var ml geom.MultiLineString
		for _, m := range n.Descendants("LineString") {
			pts, err := nodeCoords(m, srsDimension(m))
			if err != nil {
				continue
			}
			ml = append(ml, pts)
		}
		return ml, nil
	case "MultiSurface", "MultiPolygon":
		var mpoly geom.MultiPolygon
		for _, m := range append(n.Descendants("Polygon"), n.Descendants("Surface")...) {
			p, err := nodePolygon(m, srsDimension(m))
			if err != nil {
				continue
			}
			mpoly = append(mpoly, p)
		}
		return mpoly, nil
	}
	return nil, fmt.Errorf("nodeGeometry: unsupported geometry %s", n.XMLName.Local)
}

func nodePolygon(n *capabilities.Node, dim int) (geom.Polygon, error) {
	var poly geom.Polygon
	appendRing := func(boundary *capabilities.Node) {
		if boundary == nil {
			return
		}
		ring := boundary.FirstDescendant("LinearRing")
		if ring == nil {
			return
		}
		pts, err := nodeCoords(ring, dim)
		if err != nil {
			return
		}
		poly = append(poly, pts)
	}
	appendRing(n.FirstDescendant("exterior"))
	appendRing(n.FirstDescendant("outerBoundaryIs"))
	for _, in := range n.Descendants("interior") {
		appendRing(in)
	}
	for _, in := range n.Descendants("innerBoundaryIs") {
		appendRing(in)
	}
	if len(poly) == 0 {
		return nil, fmt.Errorf("nodePolygon: no rings")
	}
	return poly, nil
}

// srsDimension reads the coordinate dimension of a geometry element.
// A value below 2 cannot carry a position pair and is treated as 2D.
func srsDimension(n *capabilities.Node) int {
	if d, err := strconv.Atoi(n.Attr("srsDimension")); err == nil && d >= 2 {
		return d
	}
	return 2
}

// nodeCoords reads the pos, posList or coordinates content of a geometry
// element as a list of 2D points, dropping any additional axes.
func nodeCoords(n *capabilities.Node, dim int) ([][2]float64, error) {
	text := ""
	if p := n.FirstDescendant("posList"); p != nil {
		text = p.Text()
	} else if p := n.FirstDescendant("pos"); p != nil {
		text = p.Text()
	} else if p := n.FirstDescendant("coordinates"); p != nil {
		// deprecated encoding, "x,y x,y" tuples
		text = strings.ReplaceAll(p.Text(), ",", " ")
	}
	if dim < 2 {
		return nil, fmt.Errorf("nodeCoords: dimension %d below 2", dim)
	}
	fields := strings.Fields(text)
	if len(fields) == 0 || len(fields)%dim != 0 {
		return nil, fmt.Errorf("nodeCoords: %d values for dimension %d", len(fields), dim)
	}
	pts := make([][2]float64, 0, len(fields)/dim)
	for i := 0; i+dim <= len(fields); i += dim {
		x, errX := strconv.ParseFloat(fields[i], 64)
		y, errY := strconv.ParseFloat(fields[i+1], 64)
		if errX != nil || errY != nil {
			return nil, fmt.Errorf("nodeCoords: bad coordinate pair %q %q", fields[i], fields[i+1])
		}
		pts = append(pts, [2]float64{x, y})
	}
	return pts, nil
}
