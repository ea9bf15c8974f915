package catalog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/geoharvest/ogc-ingester/service/crs"
	"github.com/geoharvest/ogc-ingester/service/log"
)

const bboxQueryField = "bbox"

func (c *Catalog) AddHandler(r *mux.Router) {
	r.HandleFunc("/catalog/services", c.ServicesHandler).Methods("GET")
	r.HandleFunc("/catalog/datasets", c.DatasetsHandler).Methods("GET")
	r.HandleFunc("/catalog/inventory", c.InventoryHandler).Methods("POST")
}

// parseBBox reads "minx,miny,maxx,maxy[,crs]"
func parseBBox(s string) (*crs.Envelope, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 && len(parts) != 5 {
		return nil, fmt.Errorf("parseBBox: expected minx,miny,maxx,maxy[,crs], got %q", s)
	}
	coords := make([]float64, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("parseBBox: %w", err)
		}
		coords[i] = v
	}
	env := &crs.Envelope{MinX: coords[0], MinY: coords[1], MaxX: coords[2], MaxY: coords[3]}
	if len(parts) == 5 {
		env.CRS = strings.TrimSpace(parts[4])
	}
	if !env.Valid() {
		return nil, fmt.Errorf("parseBBox: inverted envelope %s", env)
	}
	return env, nil
}

// ServicesHandler lists the configured services
func (c *Catalog) ServicesHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(c.Services); err != nil {
		log.Logger(ctx).Sugar().Warnf("catalog.ServicesHandler.%v", err)
		w.WriteHeader(500)
		fmt.Fprintf(w, "%v", err)
	}
}

// DatasetsHandler lists the inventoried datasets, optionally filtered by a
// bbox query parameter.
func (c *Catalog) DatasetsHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	bbox, err := parseBBox(req.FormValue(bboxQueryField))
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintf(w, "%v", err)
		return
	}

	datasets := c.Datasets(bbox)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(datasets); err != nil {
		log.Logger(ctx).Sugar().Warnf("catalog.DatasetsHandler.%v", err)
		w.WriteHeader(500)
		fmt.Fprintf(w, "%v", err)
	}
}

// InventoryHandler triggers a re-inventory of every configured service
func (c *Catalog) InventoryHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	runID := uuid.New().String()
	ctx = log.With(ctx, "inventory", runID)

	nb, err := c.DoInventory(ctx)
	if err != nil {
		log.Logger(ctx).Sugar().Warnf("catalog.InventoryHandler: %v", err)
		w.WriteHeader(500)
		fmt.Fprintf(w, "%v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"id": runID, "datasets": nb})
}
