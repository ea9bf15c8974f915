package common

// Attribute is a single named value of a feature. Attributes keep the order in
// which the source document declared them.
type Attribute struct {
	Name  string
	Value string
}

// GeoFeature is one record retrieved from a download service.
// Ownership transfers to the consumer when yielded by an iterator: the clients
// never keep a reference after Next returns.
type GeoFeature struct {
	// ID is the feature identifier (gml:id, GeoJSON id...), may be empty
	ID string
	// Type is the feature type or collection the record belongs to
	Type string
	// Attributes in document order
	Attributes []Attribute
	// GeometryWKT is the feature geometry encoded as WKT, empty if the record has none
	GeometryWKT string
	// CRS of the geometry in codeSpace:identifier form (e.g. EPSG:4326), may be empty
	CRS string
}

// Attribute returns the first value of the named attribute
func (f *GeoFeature) Attribute(name string) (string, bool) {
	for _, a := range f.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttribute appends or replaces the named attribute, preserving order
func (f *GeoFeature) SetAttribute(name, value string) {
	for i, a := range f.Attributes {
		if a.Name == name {
			f.Attributes[i].Value = value
			return
		}
	}
	f.Attributes = append(f.Attributes, Attribute{Name: name, Value: value})
}
