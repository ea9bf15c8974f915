package client

import (
	"strings"
	"testing"

	"github.com/geoharvest/ogc-ingester/service"
)

const gmlPage20 = `<?xml version="1.0"?>
<wfs:FeatureCollection numberMatched="12000" numberReturned="2"
    xmlns:wfs="http://www.opengis.net/wfs/2.0"
    xmlns:gml="http://www.opengis.net/gml/3.2"
    xmlns:cp="http://inspire.ec.europa.eu/schemas/cp/4.0">
  <wfs:member>
    <cp:CadastralParcel gml:id="CP.1">
      <cp:label>12-34</cp:label>
      <cp:areaValue>1520</cp:areaValue>
      <cp:geometry>
        <gml:Polygon gml:id="G.1" srsName="urn:ogc:def:crs:EPSG::25830">
          <gml:exterior>
            <gml:LinearRing>
              <gml:posList>0 0 10 0 10 10 0 10 0 0</gml:posList>
            </gml:LinearRing>
          </gml:exterior>
        </gml:Polygon>
      </cp:geometry>
    </cp:CadastralParcel>
  </wfs:member>
  <wfs:member>
    <cp:CadastralParcel gml:id="CP.2">
      <cp:label>12-35</cp:label>
      <cp:referencePoint>
        <gml:Point gml:id="P.2" srsName="urn:ogc:def:crs:EPSG::25830">
          <gml:pos>5 5</gml:pos>
        </gml:Point>
      </cp:referencePoint>
    </cp:CadastralParcel>
  </wfs:member>
</wfs:FeatureCollection>`

func TestDecodeGMLPage(t *testing.T) {
	page, err := decodeGMLPage("2.0.0", []byte(gmlPage20), "EPSG:25830")
	if err != nil {
		t.Fatalf("decodeGMLPage: %v", err)
	}
	if page.NumberMatched != 12000 || page.NumberReturned != 2 {
		t.Errorf("counts misread: %d/%d", page.NumberMatched, page.NumberReturned)
	}
	if len(page.Features) != 2 {
		t.Fatalf("got %d features", len(page.Features))
	}

	f := page.Features[0]
	if f.ID != "CP.1" || f.Type != "CadastralParcel" {
		t.Errorf("identity misread: %+v", f)
	}
	if v, ok := f.Attribute("label"); !ok || v != "12-34" {
		t.Errorf("attribute misread: %q %v", v, ok)
	}
	if !strings.HasPrefix(f.GeometryWKT, "POLYGON") {
		t.Errorf("geometry: %q", f.GeometryWKT)
	}
	if f.CRS != "EPSG:25830" {
		t.Errorf("crs: %q", f.CRS)
	}

	if !strings.HasPrefix(page.Features[1].GeometryWKT, "POINT") {
		t.Errorf("point geometry: %q", page.Features[1].GeometryWKT)
	}
}

func TestDecodeGMLPage11FeatureMembers(t *testing.T) {
	raw := `<?xml version="1.0"?>
<wfs:FeatureCollection xmlns:wfs="http://www.opengis.net/wfs" xmlns:gml="http://www.opengis.net/gml">
  <gml:featureMember>
    <app:Road fid="R.1" xmlns:app="http://example.com/app">
      <app:name>A-1</app:name>
      <app:centerline>
        <gml:LineString srsName="EPSG:25830">
          <gml:posList>0 0 100 0 200 50</gml:posList>
        </gml:LineString>
      </app:centerline>
    </app:Road>
  </gml:featureMember>
</wfs:FeatureCollection>`
	page, err := decodeGMLPage("1.1.0", []byte(raw), "")
	if err != nil {
		t.Fatalf("decodeGMLPage: %v", err)
	}
	if page.NumberMatched != -1 {
		t.Errorf("1.1.0 page should not report numberMatched, got %d", page.NumberMatched)
	}
	if len(page.Features) != 1 {
		t.Fatalf("got %d features", len(page.Features))
	}
	f := page.Features[0]
	if f.ID != "R.1" {
		t.Errorf("fid misread: %q", f.ID)
	}
	if !strings.HasPrefix(f.GeometryWKT, "LINESTRING") {
		t.Errorf("geometry: %q", f.GeometryWKT)
	}
}

func TestDecodeGMLPageExceptionReport(t *testing.T) {
	raw := `<?xml version="1.0"?>
<ows:ExceptionReport xmlns:ows="http://www.opengis.net/ows/1.1">
  <ows:Exception exceptionCode="InvalidParameterValue">
    <ows:ExceptionText>startIndex out of range</ows:ExceptionText>
  </ows:Exception>
</ows:ExceptionReport>`
	_, err := decodeGMLPage("2.0.0", []byte(raw), "")
	if !service.IsParse(err) {
		t.Fatalf("exception report not surfaced: %v", err)
	}
	if !strings.Contains(err.Error(), "startIndex out of range") {
		t.Errorf("exception text lost: %v", err)
	}
}

func TestNodeCoordsDimensions(t *testing.T) {
	raw := `<Point srsDimension="3"><pos>1 2 3</pos></Point>`
	page := mustParseGeometry(t, raw)
	if !strings.HasPrefix(page, "POINT") {
		t.Errorf("3D point: %q", page)
	}
}

func TestNodeCoordsRejectsDimensionBelowTwo(t *testing.T) {
	// an odd value count with srsDimension=1 must not crash the decoder
	if got := mustParseGeometry(t, `<Point srsDimension="1"><pos>1 2 3</pos></Point>`); got != "" {
		t.Errorf("degenerate dimension yielded geometry: %q", got)
	}
	// an even count clamps to 2D and still decodes
	if got := mustParseGeometry(t, `<Point srsDimension="1"><pos>1 2</pos></Point>`); !strings.HasPrefix(got, "POINT") {
		t.Errorf("clamped point: %q", got)
	}
	if got := mustParseGeometry(t, `<Point srsDimension="0"><pos>4 5</pos></Point>`); !strings.HasPrefix(got, "POINT") {
		t.Errorf("zero dimension point: %q", got)
	}
}

func mustParseGeometry(t *testing.T, raw string) string {
	t.Helper()
	wrapped := `<coll xmlns:gml="http://www.opengis.net/gml/3.2"><member><F gml:id="f1"><geom>` + raw + `</geom></F></member></coll>`
	page, err := decodeGMLPage("2.0.0", []byte(wrapped), "")
	if err != nil {
		t.Fatalf("decodeGMLPage: %v", err)
	}
	if len(page.Features) != 1 {
		t.Fatalf("got %d features", len(page.Features))
	}
	return page.Features[0].GeometryWKT
}
