package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/geoharvest/ogc-ingester/interface/capabilities"
	"github.com/geoharvest/ogc-ingester/service"
)

const apiSpec = `{
  "openapi": "3.0.2",
  "info": {"title": "Addresses", "version": "1.0"},
  "paths": {
    "/collections": {"get": {}},
    "/collections/{collectionId}/items": {
      "get": {
        "parameters": [
          {"name": "limit", "in": "query"},
          {"name": "bbox", "in": "query"},
          {"name": "postcode", "in": "query"}
        ]
      }
    }
  }
}`

func itemsPage(ids []string, next string) string {
	var features []string
	for _, id := range ids {
		features = append(features, fmt.Sprintf(
			`{"type": "Feature", "id": %q, "geometry": {"type": "Point", "coordinates": [1.5, 2.5]}, "properties": {"postcode": "28001"}}`, id))
	}
	links := `[]`
	if next != "" {
		links = fmt.Sprintf(`[{"href": %q, "rel": "next", "type": "application/geo+json"}]`, next)
	}
	return fmt.Sprintf(`{"type": "FeatureCollection", "features": [%s], "links": %s}`, strings.Join(features, ","), links)
}

func newItemsServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/openapi":
			fmt.Fprint(w, apiSpec)
		case r.URL.Path == "/collections/addresses":
			fmt.Fprint(w, `{"id": "addresses", "crs": ["http://www.opengis.net/def/crs/OGC/1.3/CRS84", "http://www.opengis.net/def/crs/EPSG/0/25830"]}`)
		case r.URL.Path == "/collections/addresses/items" && r.URL.Query().Get("page") == "":
			fmt.Fprint(w, itemsPage([]string{"a1", "a2"}, srv.URL+"/collections/addresses/items?page=2"))
		case r.URL.Path == "/collections/addresses/items" && r.URL.Query().Get("page") == "2":
			// no next link: last page
			fmt.Fprint(w, itemsPage([]string{"a3"}, ""))
		default:
			http.Error(w, "not found", 404)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOGCAPIItemsPaging(t *testing.T) {
	srv := newItemsServer(t)
	ctx := context.Background()

	cl, err := NewOGCAPIClient(ctx, srv.URL, ClientOptions{Retry: immediateRetry()})
	if err != nil {
		t.Fatalf("NewOGCAPIClient: %v", err)
	}
	if cl.APIType != capabilities.APIFeatures {
		t.Errorf("APIType: %s", cl.APIType)
	}

	it, err := cl.DownloadItems(ctx, "addresses", QueryOptions{})
	if err != nil {
		t.Fatalf("DownloadItems: %v", err)
	}
	defer it.Close()

	var ids []string
	for {
		f, err := it.Next(ctx)
		if errors.Is(err, Done) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		ids = append(ids, f.ID)
	}
	if len(ids) != 3 || ids[0] != "a1" || ids[2] != "a3" {
		t.Errorf("got ids %v", ids)
	}
}

func TestOGCAPIFeatureDecoding(t *testing.T) {
	srv := newItemsServer(t)
	ctx := context.Background()
	cl, err := NewOGCAPIClient(ctx, srv.URL, ClientOptions{Retry: immediateRetry()})
	if err != nil {
		t.Fatal(err)
	}
	it, err := cl.DownloadItems(ctx, "addresses", QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	f, err := it.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !strings.HasPrefix(f.GeometryWKT, "POINT") {
		t.Errorf("geometry: %q", f.GeometryWKT)
	}
	if v, ok := f.Attribute("postcode"); !ok || v != "28001" {
		t.Errorf("property misread: %q %v", v, ok)
	}
	if f.CRS != "CRS84" {
		t.Errorf("default crs: %q", f.CRS)
	}
}

func TestOGCAPIFailFastChecks(t *testing.T) {
	srv := newItemsServer(t)
	ctx := context.Background()
	cl, err := NewOGCAPIClient(ctx, srv.URL, ClientOptions{Retry: immediateRetry()})
	if err != nil {
		t.Fatal(err)
	}

	// unsupported output CRS
	if _, err := cl.DownloadItems(ctx, "addresses", QueryOptions{OutputCRS: "EPSG:3857"}); !service.IsValidation(err) {
		t.Errorf("unsupported CRS accepted: %v", err)
	}
	// advertised CRS passes
	if _, err := cl.DownloadItems(ctx, "addresses", QueryOptions{OutputCRS: "http://www.opengis.net/def/crs/EPSG/0/25830"}); err != nil {
		t.Errorf("advertised CRS rejected: %v", err)
	}
	// filter on an undeclared queryable
	if _, err := cl.DownloadItems(ctx, "addresses", QueryOptions{Filter: map[string]string{"name": "x"}}); !service.IsValidation(err) {
		t.Errorf("undeclared queryable accepted: %v", err)
	}
	// declared queryable passes
	if _, err := cl.DownloadItems(ctx, "addresses", QueryOptions{Filter: map[string]string{"postcode": "28001"}}); err != nil {
		t.Errorf("declared queryable rejected: %v", err)
	}
}

func TestOGCAPISinglePageWithoutNextLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/openapi":
			fmt.Fprint(w, apiSpec)
		case "/collections/addresses":
			fmt.Fprint(w, `{"id": "addresses"}`)
		case "/collections/addresses/items":
			fmt.Fprint(w, itemsPage([]string{"only"}, ""))
		default:
			http.Error(w, "not found", 404)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	cl, err := NewOGCAPIClient(ctx, srv.URL, ClientOptions{Retry: immediateRetry()})
	if err != nil {
		t.Fatal(err)
	}
	it, err := cl.DownloadItems(ctx, "addresses", QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for {
		_, err := it.Next(ctx)
		if errors.Is(err, Done) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		n++
	}
	if n != 1 {
		t.Errorf("got %d features, want 1", n)
	}
}
