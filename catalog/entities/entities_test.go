package entities

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/geoharvest/ogc-ingester/common"
)

func TestServicesFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.json")
	content := `{
  "services": [
    {"name": "parcels", "kind": "WFS", "endpoint": "https://example.com/wfs", "version": "2.0.0"},
    {"name": "feed", "kind": "ATOM", "endpoint": "https://example.com/top.atom"}
  ]
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	services, err := ServicesFromJSON(path)
	if err != nil {
		t.Fatalf("ServicesFromJSON: %v", err)
	}
	if len(services.Services) != 2 {
		t.Fatalf("got %d services", len(services.Services))
	}
	if services.Services[0].Kind != common.ServiceWFS || services.Services[1].Kind != common.ServiceAtom {
		t.Errorf("kinds misread: %+v", services.Services)
	}
}

func TestServiceRefValidate(t *testing.T) {
	if err := (ServiceRef{Name: "x", Kind: "WFS", Endpoint: "https://example.com"}).Validate(); err != nil {
		t.Errorf("valid ref rejected: %v", err)
	}
	if err := (ServiceRef{Name: "x", Kind: "WFS"}).Validate(); err == nil {
		t.Errorf("missing endpoint accepted")
	}
	if err := (ServiceRef{Name: "x", Kind: "WMS", Endpoint: "https://example.com"}).Validate(); err == nil {
		t.Errorf("unknown kind accepted")
	}
}
