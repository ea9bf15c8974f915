package catalog

import (
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/geoharvest/ogc-ingester/catalog/entities"
	"github.com/geoharvest/ogc-ingester/service/crs"
)

// indexEntry adapts a dataset envelope to the rtree
type indexEntry struct {
	rect    rtreego.Rect
	dataset entities.Dataset
}

func (e *indexEntry) Bounds() rtreego.Rect { return e.rect }

// rectFromEnvelope converts an envelope to an rtree rect. Degenerate extents
// (points, lines) get a tiny width so the rtree accepts them.
func rectFromEnvelope(env crs.Envelope) (rtreego.Rect, error) {
	const eps = 1e-9
	w, h := env.MaxX-env.MinX, env.MaxY-env.MinY
	if w <= 0 {
		w = eps
	}
	if h <= 0 {
		h = eps
	}
	return rtreego.NewRect(rtreego.Point{env.MinX, env.MinY}, []float64{w, h})
}

// SpatialIndex answers bbox queries over inventoried datasets.
// Datasets without a valid envelope are kept aside and returned by every
// search: an unknown extent must not hide a dataset.
type SpatialIndex struct {
	mu      sync.RWMutex
	tree    *rtreego.Rtree
	unbound []entities.Dataset
	all     []entities.Dataset
}

// NewSpatialIndex returns an empty 2D index
func NewSpatialIndex() *SpatialIndex {
	return &SpatialIndex{tree: rtreego.NewTree(2, 25, 50)}
}

// Insert adds a dataset to the index
func (idx *SpatialIndex) Insert(d entities.Dataset) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.all = append(idx.all, d)
	env := d.Envelope
	zero := env.MinX == 0 && env.MinY == 0 && env.MaxX == 0 && env.MaxY == 0
	if !env.Valid() || zero {
		idx.unbound = append(idx.unbound, d)
		return
	}
	rect, err := rectFromEnvelope(d.Envelope)
	if err != nil {
		idx.unbound = append(idx.unbound, d)
		return
	}
	idx.tree.Insert(&indexEntry{rect: rect, dataset: d})
}

// Search returns the datasets whose envelope intersects bbox, plus the
// datasets with unknown extent. A nil bbox returns everything.
func (idx *SpatialIndex) Search(bbox *crs.Envelope) []entities.Dataset {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if bbox == nil {
		return append([]entities.Dataset{}, idx.all...)
	}
	rect, err := rectFromEnvelope(*bbox)
	if err != nil {
		return nil
	}
	var out []entities.Dataset
	for _, e := range idx.tree.SearchIntersect(rect) {
		out = append(out, e.(*indexEntry).dataset)
	}
	return append(out, idx.unbound...)
}

// Len returns the number of inserted datasets
func (idx *SpatialIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.all)
}
