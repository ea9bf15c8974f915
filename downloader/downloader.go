// Package downloader turns an inventoried dataset into files on disk
package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/geoharvest/ogc-ingester/catalog/entities"
	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/interface/capabilities"
	"github.com/geoharvest/ogc-ingester/interface/client"
	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/log"
)

// Job is one dataset download request
type Job struct {
	ID      string
	Dataset entities.Dataset
	Query   client.QueryOptions
	// Format selects the coverage output format (WCS only)
	Format      string
	Credentials common.Credentials
}

// NewJob returns a Job with a fresh id
func NewJob(dataset entities.Dataset, query client.QueryOptions) Job {
	return Job{ID: uuid.New().String(), Dataset: dataset, Query: query}
}

// ProcessJob downloads the dataset of the job into its own subdirectory of
// workdir and returns the produced paths. Feature datasets are stored as
// newline-delimited JSON, coverages and Atom datasets as the raw files.
func ProcessJob(ctx context.Context, opts client.ClientOptions, job Job, workdir string) ([]string, error) {
	workdir = filepath.Join(workdir, job.ID)
	if err := os.MkdirAll(workdir, 0766); err != nil {
		return nil, service.MakeTemporary(fmt.Errorf("make directory %s: %w", workdir, err))
	}

	log.Logger(ctx).Sugar().Infof("downloading %s/%s (%s)", job.Dataset.Service, job.Dataset.Layer, job.Dataset.Kind)

	opts.Fetch.Credentials = job.Credentials
	var (
		files []string
		err   error
	)
	switch job.Dataset.Kind {
	case common.ServiceWFS:
		files, err = processWFS(ctx, opts, job, workdir)
	case common.ServiceWCS:
		files, err = processWCS(ctx, opts, job, workdir)
	case common.ServiceAtom:
		files, err = processAtom(ctx, opts, job, workdir)
	case common.ServiceOGCAPI:
		files, err = processOGCAPI(ctx, opts, job, workdir)
	default:
		err = fmt.Errorf("unsupported dataset kind %s", job.Dataset.Kind)
	}
	if err != nil {
		return files, fmt.Errorf("ProcessJob[%s].%w", job.ID, err)
	}
	return files, nil
}

// drainFeatures consumes the iterator into a newline-delimited JSON file.
// On a mid-stream failure the partial file is kept and the error reports how
// many features it holds.
func drainFeatures(ctx context.Context, it client.FeatureIterator, filename string) (int, error) {
	defer it.Close()

	f, err := os.Create(filename)
	if err != nil {
		return 0, service.MakeTemporary(fmt.Errorf("drainFeatures.Create: %w", err))
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	n := 0
	for {
		feature, err := it.Next(ctx)
		if errors.Is(err, client.Done) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("drainFeatures: %w", err)
		}
		if err := enc.Encode(feature); err != nil {
			return n, fmt.Errorf("drainFeatures.Encode: %w", err)
		}
		n++
	}
}

func layerFilename(layer, ext string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, layer)
	return safe + ext
}

func processWFS(ctx context.Context, opts client.ClientOptions, job Job, workdir string) ([]string, error) {
	cl, err := client.NewWFSClient(ctx, job.Dataset.Endpoint, job.Dataset.Version, opts)
	if err != nil {
		return nil, err
	}
	it, err := cl.DownloadFeatures(ctx, job.Dataset.Layer, job.Query)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(workdir, layerFilename(job.Dataset.Layer, ".ndjson"))
	n, err := drainFeatures(ctx, it, out)
	if err != nil {
		return []string{out}, err
	}
	log.Logger(ctx).Sugar().Infof("wrote %d features to %s", n, out)
	return []string{out}, nil
}

func processOGCAPI(ctx context.Context, opts client.ClientOptions, job Job, workdir string) ([]string, error) {
	cl, err := client.NewOGCAPIClient(ctx, job.Dataset.Endpoint, opts)
	if err != nil {
		return nil, err
	}
	if cl.APIType == capabilities.APICoverages {
		out := filepath.Join(workdir, layerFilename(job.Dataset.Layer, ".bin"))
		f, err := os.Create(out)
		if err != nil {
			return nil, service.MakeTemporary(fmt.Errorf("processOGCAPI.Create: %w", err))
		}
		defer f.Close()
		if _, err := cl.DownloadCoverage(ctx, job.Dataset.Layer, job.Query, f); err != nil {
			return []string{out}, err
		}
		return []string{out}, nil
	}

	it, err := cl.DownloadItems(ctx, job.Dataset.Layer, job.Query)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(workdir, layerFilename(job.Dataset.Layer, ".ndjson"))
	n, err := drainFeatures(ctx, it, out)
	if err != nil {
		return []string{out}, err
	}
	log.Logger(ctx).Sugar().Infof("wrote %d features to %s", n, out)
	return []string{out}, nil
}

func processWCS(ctx context.Context, opts client.ClientOptions, job Job, workdir string) ([]string, error) {
	cl, err := client.NewWCSClient(ctx, job.Dataset.Endpoint, job.Dataset.Version, opts)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(workdir, layerFilename(job.Dataset.Layer, ".tiff"))
	req := client.CoverageRequest{
		CoverageID: job.Dataset.Layer,
		Format:     job.Format,
		Subset:     job.Query.BBox,
		OutputCRS:  job.Query.OutputCRS,
	}
	if err := cl.DownloadCoverageToFile(ctx, req, out); err != nil {
		return nil, err
	}
	return []string{out}, nil
}

func processAtom(ctx context.Context, opts client.ClientOptions, job Job, workdir string) ([]string, error) {
	cl, err := client.NewAtomClient(ctx, job.Dataset.Endpoint, opts)
	if err != nil {
		return nil, err
	}
	refs, err := cl.Datasets(ctx)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, ref := range refs {
		if job.Dataset.DownloadURL != "" && ref.URL != job.Dataset.DownloadURL {
			continue
		}
		features, err := cl.DatasetFeatures(ctx, ref, workdir, job.Query.Files...)
		if err != nil {
			// per-entry failures do not abort the crawl
			log.Logger(ctx).Sugar().Warnf("processAtom: skipping %s: %v", ref.URL, err)
			continue
		}
		out := filepath.Join(workdir, layerFilename(ref.ID, ".ndjson"))
		if err := writeFeatures(features, out); err != nil {
			return files, err
		}
		log.Logger(ctx).Sugar().Infof("wrote %d features to %s", len(features), out)
		files = append(files, out)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("processAtom: no dataset downloaded")
	}
	return files, nil
}

func writeFeatures(features []common.GeoFeature, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return service.MakeTemporary(fmt.Errorf("writeFeatures.Create: %w", err))
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, feature := range features {
		if err := enc.Encode(feature); err != nil {
			return fmt.Errorf("writeFeatures.Encode: %w", err)
		}
	}
	return nil
}
