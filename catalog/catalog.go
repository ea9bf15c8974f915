// Package catalog inventories the datasets offered by a set of OGC download
// services and answers spatial queries over them.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/geoharvest/ogc-ingester/catalog/entities"
	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/interface/capabilities"
	"github.com/geoharvest/ogc-ingester/interface/client"
	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/crs"
	"github.com/geoharvest/ogc-ingester/service/log"
)

// Catalog inventories services and serves dataset queries
type Catalog struct {
	Services   []entities.ServiceRef
	ClientOpts client.ClientOptions

	// mu guards index, which is swapped wholesale by DoInventory while the
	// HTTP handlers keep reading it
	mu    sync.RWMutex
	index *SpatialIndex
}

// New returns a catalog over the given services
func New(services []entities.ServiceRef, opts client.ClientOptions) *Catalog {
	return &Catalog{Services: services, ClientOpts: opts, index: NewSpatialIndex()}
}

// DoInventory discovers the datasets of every configured service, one
// goroutine per service. A failing service is logged and skipped; the
// inventory only errors when every service failed.
func (c *Catalog) DoInventory(ctx context.Context) (int, error) {
	index := NewSpatialIndex()
	errs := make([]error, len(c.Services))

	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range c.Services {
		i, ref := i, ref
		g.Go(func() error {
			datasets, err := c.inventoryService(gctx, ref)
			if err != nil {
				log.Logger(gctx).Sugar().Warnf("DoInventory[%s]: %v", ref.Name, err)
				errs[i] = fmt.Errorf("%s: %w", ref.Name, err)
				return nil
			}
			for _, d := range datasets {
				index.Insert(d)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if len(c.Services) > 0 && failed == len(c.Services) {
		return 0, fmt.Errorf("DoInventory.%w", service.MergeErrors(true, errs[0], errs[1:]...))
	}

	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
	log.Logger(ctx).Sugar().Infof("inventoried %d datasets from %d/%d services", index.Len(), len(c.Services)-failed, len(c.Services))
	return index.Len(), nil
}

// Datasets returns the inventoried datasets intersecting bbox (all of them
// when bbox is nil).
func (c *Catalog) Datasets(bbox *crs.Envelope) []entities.Dataset {
	c.mu.RLock()
	index := c.index
	c.mu.RUnlock()
	return index.Search(bbox)
}

func (c *Catalog) inventoryService(ctx context.Context, ref entities.ServiceRef) ([]entities.Dataset, error) {
	opts := c.ClientOpts
	opts.Fetch.Credentials = ref.Credentials()
	switch ref.Kind {
	case common.ServiceWFS:
		return inventoryWFS(ctx, ref, opts)
	case common.ServiceWCS:
		return inventoryWCS(ctx, ref, opts)
	case common.ServiceAtom:
		return inventoryAtom(ctx, ref, opts)
	case common.ServiceOGCAPI:
		return inventoryOGCAPI(ctx, ref, opts)
	}
	return nil, fmt.Errorf("inventoryService: unsupported kind %s", ref.Kind)
}

func inventoryWFS(ctx context.Context, ref entities.ServiceRef, opts client.ClientOptions) ([]entities.Dataset, error) {
	caps, err := capabilities.FetchWFS(ctx, ref.Version, ref.Endpoint, opts.Fetch)
	if err != nil {
		return nil, err
	}
	var datasets []entities.Dataset
	for _, ft := range caps.FeatureTypes() {
		datasets = append(datasets, entities.Dataset{
			ID:       uuid.New().String(),
			Service:  ref.Name,
			Kind:     common.ServiceWFS,
			Endpoint: ref.Endpoint,
			Version:  caps.Doc.Version,
			Layer:    ft.Name,
			Title:    ft.Title,
			Abstract: ft.Abstract,
			Formats:  ft.OutputFormats,
			Envelope: ft.Envelope,
		})
	}
	return datasets, nil
}

func inventoryWCS(ctx context.Context, ref entities.ServiceRef, opts client.ClientOptions) ([]entities.Dataset, error) {
	// listing never needs the per-coverage description
	caps, err := capabilities.FetchWCS(ctx, ref.Version, ref.Endpoint, capabilities.DescribeNever, opts.Fetch)
	if err != nil {
		return nil, err
	}
	formats := caps.SupportedFormats()
	var datasets []entities.Dataset
	for _, cov := range caps.Coverages() {
		datasets = append(datasets, entities.Dataset{
			ID:       uuid.New().String(),
			Service:  ref.Name,
			Kind:     common.ServiceWCS,
			Endpoint: ref.Endpoint,
			Version:  caps.Doc.Version,
			Layer:    cov.ID,
			Title:    cov.Title,
			Abstract: cov.Abstract,
			Formats:  formats,
			Envelope: cov.Envelope,
		})
	}
	return datasets, nil
}

func inventoryAtom(ctx context.Context, ref entities.ServiceRef, opts client.ClientOptions) ([]entities.Dataset, error) {
	cl, err := client.NewAtomClient(ctx, ref.Endpoint, opts)
	if err != nil {
		return nil, err
	}
	refs, err := cl.Datasets(ctx)
	if err != nil {
		return nil, err
	}
	var datasets []entities.Dataset
	for _, r := range refs {
		datasets = append(datasets, entities.Dataset{
			ID:          uuid.New().String(),
			Service:     ref.Name,
			Kind:        common.ServiceAtom,
			Endpoint:    ref.Endpoint,
			Layer:       r.ID,
			Title:       r.Title,
			Formats:     []string{r.Type},
			Updated:     r.Updated,
			Envelope:    r.Envelope,
			DownloadURL: r.URL,
		})
	}
	return datasets, nil
}

func inventoryOGCAPI(ctx context.Context, ref entities.ServiceRef, opts client.ClientOptions) ([]entities.Dataset, error) {
	cl, err := client.NewOGCAPIClient(ctx, ref.Endpoint, opts)
	if err != nil {
		return nil, err
	}
	cols, err := cl.Collections(ctx)
	if err != nil {
		return nil, err
	}
	var datasets []entities.Dataset
	for _, col := range cols {
		d := entities.Dataset{
			ID:       uuid.New().String(),
			Service:  ref.Name,
			Kind:     common.ServiceOGCAPI,
			Endpoint: ref.Endpoint,
			Layer:    col.ID,
			Title:    col.Title,
			Abstract: col.Description,
		}
		if env, ok := col.Envelope(); ok {
			d.Envelope = env
		}
		datasets = append(datasets, d)
	}
	return datasets, nil
}
