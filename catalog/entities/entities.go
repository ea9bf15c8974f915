// Package entities defines the catalog's view of services and datasets
package entities

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/service/crs"
)

// ServiceRef points at one download service to inventory
type ServiceRef struct {
	Name     string             `json:"name"`
	Kind     common.ServiceKind `json:"kind"`
	Endpoint string             `json:"endpoint"`
	Version  string             `json:"version,omitempty"`
	Username string             `json:"username,omitempty"`
	Password string             `json:"password,omitempty"`
}

// Credentials returns the auth material of the reference
func (s ServiceRef) Credentials() common.Credentials {
	return common.Credentials{Username: s.Username, Password: s.Password}
}

// Validate checks the reference before any network use
func (s ServiceRef) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("service %s: missing endpoint", s.Name)
	}
	if _, err := common.ParseServiceKind(string(s.Kind)); err != nil {
		return fmt.Errorf("service %s: %w", s.Name, err)
	}
	return nil
}

// Dataset is one downloadable layer, coverage, feed entry or collection
// discovered on a service.
type Dataset struct {
	ID       string             `json:"id"`
	Service  string             `json:"service"`
	Kind     common.ServiceKind `json:"kind"`
	Endpoint string             `json:"endpoint"`
	Version  string             `json:"version,omitempty"`
	Layer    string             `json:"layer"`
	Title    string             `json:"title,omitempty"`
	Abstract string             `json:"abstract,omitempty"`
	Formats  []string           `json:"formats,omitempty"`
	Updated  time.Time          `json:"updated,omitempty"`
	Envelope crs.Envelope       `json:"envelope"`
	// DownloadURL is set for Atom datasets, which are direct files
	DownloadURL string `json:"download_url,omitempty"`
}

// Services is the on-disk inventory configuration
type Services struct {
	Services []ServiceRef `json:"services"`
}

// ServicesFromJSON loads a service list from a json file
func ServicesFromJSON(path string) (Services, error) {
	services := Services{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return services, fmt.Errorf("ServicesFromJSON.ReadFile: %w", err)
	}
	if err := json.Unmarshal(raw, &services); err != nil {
		return services, fmt.Errorf("ServicesFromJSON: %w\nJSON:\n%s", err, raw)
	}
	for _, s := range services.Services {
		if err := s.Validate(); err != nil {
			return services, fmt.Errorf("ServicesFromJSON: %w", err)
		}
	}
	return services, nil
}
