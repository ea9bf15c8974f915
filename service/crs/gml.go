package crs

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// gmlIdentifier scans a GML definition document for its first gml:identifier
// element and returns its text and codeSpace attribute.
func gmlIdentifier(doc []byte) (id, codeSpace string, err error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", "", fmt.Errorf("gmlIdentifier: no identifier element")
		}
		if err != nil {
			return "", "", fmt.Errorf("gmlIdentifier: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "identifier" {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Local == "codeSpace" {
				codeSpace = attr.Value
			}
		}
		var text string
		if err := dec.DecodeElement(&text, &start); err != nil {
			return "", "", fmt.Errorf("gmlIdentifier: %w", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return "", "", fmt.Errorf("gmlIdentifier: empty identifier")
		}
		if codeSpace == "" {
			codeSpace = "UnknownCodeSpace"
		}
		return text, codeSpace, nil
	}
}
