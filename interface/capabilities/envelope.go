package capabilities

import (
	"github.com/geoharvest/ogc-ingester/service/crs"
)

// ReadEnvelope extracts a bounding box from a gml:Envelope, gml:lonLatEnvelope
// or ows:WGS84BoundingBox element. Corner encodings differ per protocol
// version: 1.x uses a pair of gml:pos, 2.x lowerCorner/upperCorner (GML) or
// LowerCorner/UpperCorner (OWS). Returns false for an invalid or incomplete
// envelope.
func ReadEnvelope(n *Node) (crs.Envelope, bool) {
	if n == nil {
		return crs.Envelope{}, false
	}
	srsName := n.Attr("srsName")
	if srsName == "" {
		srsName = n.Attr("crs")
	}
	if id := crs.IdentifierFromURI(srsName); id != "" {
		srsName = id
	}

	// 1.x: two gml:pos corners
	if pos := n.FindAll("pos"); len(pos) == 2 {
		env, err := crs.FromCorners(pos[0].Text(), pos[1].Text(), srsName)
		return env, err == nil
	}

	// 2.x: lowerCorner/upperCorner (OWS capitalizes them)
	lower, upper := n.Find("lowerCorner"), n.Find("upperCorner")
	if lower == nil || upper == nil {
		lower, upper = n.Find("LowerCorner"), n.Find("UpperCorner")
	}
	if lower == nil || upper == nil {
		return crs.Envelope{}, false
	}
	env, err := crs.FromCorners(lower.Text(), upper.Text(), srsName)
	return env, err == nil
}
