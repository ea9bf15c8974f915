package crs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIdentifierFromURI(t *testing.T) {
	tests := []struct{ in, want string }{
		{"urn:ogc:def:crs:EPSG::25830", "EPSG:25830"},
		{"urn:x-ogc:def:crs:EPSG:6.9:4258", "EPSG:4258"},
		{"http://www.opengis.net/def/crs/EPSG/0/25830", "EPSG:25830"},
		{"https://www.opengis.net/def/crs/EPSG/9.9/3857", "EPSG:3857"},
		{"EPSG:4326", "EPSG:4326"},
		{"http://example.com/crs/def", ""},
		{"not a crs", ""},
	}
	for _, tt := range tests {
		if got := IdentifierFromURI(tt.in); got != tt.want {
			t.Errorf("IdentifierFromURI(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromCorners(t *testing.T) {
	env, err := FromCorners("-10.5 35.9", "4.6 44.1", "EPSG:4258")
	if err != nil {
		t.Fatalf("FromCorners: %v", err)
	}
	if env.MinX != -10.5 || env.MinY != 35.9 || env.MaxX != 4.6 || env.MaxY != 44.1 || env.CRS != "EPSG:4258" {
		t.Errorf("unexpected envelope %s", env)
	}

	if _, err := FromCorners("4.6 44.1", "-10.5 35.9", ""); err == nil {
		t.Errorf("inverted envelope accepted")
	}
	if _, err := FromCorners("1", "2 3", ""); err == nil {
		t.Errorf("1D corner accepted")
	}
}

func TestEnvelopeIntersects(t *testing.T) {
	a := Envelope{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	b := Envelope{MinX: 5, MinY: 5, MaxX: 15, MaxY: 15}
	c := Envelope{MinX: 11, MinY: 11, MaxX: 12, MaxY: 12}
	if !a.Intersects(b) || !b.Intersects(a) {
		t.Errorf("overlapping envelopes reported disjoint")
	}
	if a.Intersects(c) {
		t.Errorf("disjoint envelopes reported overlapping")
	}
}

func TestResolverSyntaxFirst(t *testing.T) {
	r := NewResolver(16, time.Second)
	r.fetch = func(ctx context.Context, uri string) (string, error) {
		t.Fatalf("network fetch for a syntactic uri")
		return "", nil
	}
	id, ok := r.Resolve(context.Background(), "urn:ogc:def:crs:EPSG::25830")
	if !ok || id != "EPSG:25830" {
		t.Errorf("got %q %v", id, ok)
	}
}

func TestResolverFetchesOncePerURI(t *testing.T) {
	calls := 0
	r := NewResolver(16, time.Second)
	r.fetch = func(ctx context.Context, uri string) (string, error) {
		calls++
		return "EPSG:25830", nil
	}
	for i := 0; i < 3; i++ {
		id, ok := r.Resolve(context.Background(), "http://example.com/crs/25830")
		if !ok || id != "EPSG:25830" {
			t.Fatalf("got %q %v", id, ok)
		}
	}
	if calls != 1 {
		t.Errorf("fetched %d times, want 1", calls)
	}
}

func TestResolverDegradesToNone(t *testing.T) {
	calls := 0
	r := NewResolver(16, time.Second)
	r.fetch = func(ctx context.Context, uri string) (string, error) {
		calls++
		return "", errors.New("unreachable")
	}
	for i := 0; i < 2; i++ {
		if id, ok := r.Resolve(context.Background(), "http://example.com/crs/unknown"); ok || id != "" {
			t.Errorf("got %q %v, want degraded to none", id, ok)
		}
	}
	// failures are cached too
	if calls != 1 {
		t.Errorf("fetched %d times, want 1", calls)
	}
}

func TestGMLIdentifier(t *testing.T) {
	doc := []byte(`<?xml version="1.0"?>
<gml:ProjectedCRS xmlns:gml="http://www.opengis.net/gml/3.2">
  <gml:identifier codeSpace="EPSG">25830</gml:identifier>
  <gml:name>ETRS89 / UTM zone 30N</gml:name>
</gml:ProjectedCRS>`)
	id, codeSpace, err := gmlIdentifier(doc)
	if err != nil {
		t.Fatalf("gmlIdentifier: %v", err)
	}
	if id != "25830" || codeSpace != "EPSG" {
		t.Errorf("got %s/%s", codeSpace, id)
	}

	if _, _, err := gmlIdentifier([]byte(`<a><b/></a>`)); err == nil {
		t.Errorf("document without identifier accepted")
	}
}

func TestAuthority(t *testing.T) {
	tests := []struct{ in, want string }{
		{"EPSG", "EPSG"},
		{"urn:ogc:def:crs:EPSG::4258", "EPSG"},
		{"http://www.example.com/authorities/EPSG", "EPSG"},
	}
	for _, tt := range tests {
		if got := authority(tt.in); got != tt.want {
			t.Errorf("authority(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}
