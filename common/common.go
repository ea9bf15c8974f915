package common

import (
	"fmt"
	"strings"
)

// ServiceKind is the protocol family of a download service
type ServiceKind string

// List of supported download service protocols
const (
	ServiceWFS    ServiceKind = "WFS"
	ServiceWCS    ServiceKind = "WCS"
	ServiceAtom   ServiceKind = "ATOM"
	ServiceOGCAPI ServiceKind = "OGCAPI"
)

// ParseServiceKind returns the ServiceKind described by s (case-insensitive)
func ParseServiceKind(s string) (ServiceKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WFS":
		return ServiceWFS, nil
	case "WCS":
		return ServiceWCS, nil
	case "ATOM":
		return ServiceAtom, nil
	case "OGCAPI", "OGC-API", "OGC_API":
		return ServiceOGCAPI, nil
	}
	return "", fmt.Errorf("ParseServiceKind: unrecognized service kind: %s", s)
}

// Credentials are passed through to the remote service without any lifecycle management.
// Either BasicAuth (user/password) or a bearer token, plus free-form headers.
type Credentials struct {
	Username string
	Password string
	Token    string
	Headers  map[string]string
}
