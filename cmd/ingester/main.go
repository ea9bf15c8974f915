package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/geoharvest/ogc-ingester/catalog/entities"
	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/downloader"
	"github.com/geoharvest/ogc-ingester/interface/capabilities"
	"github.com/geoharvest/ogc-ingester/interface/client"
	"github.com/geoharvest/ogc-ingester/service/crs"
	"github.com/geoharvest/ogc-ingester/service/log"
)

type config struct {
	Endpoint    string
	Service     string
	Version     string
	Layer       string
	BBox        string
	OutputCRS   string
	MaxFeatures int
	StoredQuery string
	QueryParams string
	Filter      string
	Format      string
	Workdir     string
	Timeout     time.Duration
	Retries     int
	Username    string
	Password    string
}

func newAppConfig() (*config, error) {
	config := config{}
	flag.StringVar(&config.Endpoint, "endpoint", "", "url of the download service (or of the top atom feed)")
	flag.StringVar(&config.Service, "service", "", "kind of service: WFS, WCS, ATOM or OGCAPI")
	flag.StringVar(&config.Version, "version", "", "protocol version to request (empty lets the server pick)")
	flag.StringVar(&config.Layer, "layer", "", "feature type, coverage id or collection id to download")
	flag.StringVar(&config.BBox, "bbox", "", "bounding box minx,miny,maxx,maxy[,crs] (optional)")
	flag.StringVar(&config.OutputCRS, "crs", "", "output CRS, must be advertised by the dataset (optional)")
	flag.IntVar(&config.MaxFeatures, "max-features", 0, "page size of feature requests (0: service default)")
	flag.StringVar(&config.StoredQuery, "stored-query", "", "id of a WFS stored query to run instead of a plain query")
	flag.StringVar(&config.QueryParams, "stored-query-params", "", "stored query arguments as k=v,k=v")
	flag.StringVar(&config.Filter, "filter", "", "attribute filters as k=v,k=v (WFS/OGCAPI)")
	flag.StringVar(&config.Format, "format", "", "coverage output format (WCS)")
	flag.StringVar(&config.Workdir, "workdir", ".", "directory receiving the downloaded files")
	flag.DurationVar(&config.Timeout, "timeout", 30*time.Second, "timeout of each request")
	flag.IntVar(&config.Retries, "retries", 2, "number of retries of a failed request")
	flag.StringVar(&config.Username, "username", "", "username of the service (optional)")
	flag.StringVar(&config.Password, "password", "", "password of the service (optional)")
	flag.Parse()

	if config.Endpoint == "" {
		return nil, fmt.Errorf("missing required flag: -endpoint")
	}
	if config.Service == "" {
		return nil, fmt.Errorf("missing required flag: -service")
	}
	return &config, nil
}

func parseKV(s string) map[string]string {
	if s == "" {
		return nil
	}
	kv := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		if k, v, ok := strings.Cut(pair, "="); ok {
			kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return kv
}

func parseBBox(s string) (*crs.Envelope, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 && len(parts) != 5 {
		return nil, fmt.Errorf("bbox: expected minx,miny,maxx,maxy[,crs]")
	}
	var env crs.Envelope
	for i, dst := range []*float64{&env.MinX, &env.MinY, &env.MaxX, &env.MaxY} {
		if _, err := fmt.Sscanf(strings.TrimSpace(parts[i]), "%g", dst); err != nil {
			return nil, fmt.Errorf("bbox: %w", err)
		}
	}
	if len(parts) == 5 {
		env.CRS = strings.TrimSpace(parts[4])
	}
	if !env.Valid() {
		return nil, fmt.Errorf("bbox: inverted envelope %s", env)
	}
	return &env, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx); err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	config, err := newAppConfig()
	if err != nil {
		return err
	}

	kind, err := common.ParseServiceKind(config.Service)
	if err != nil {
		return err
	}
	bbox, err := parseBBox(config.BBox)
	if err != nil {
		return err
	}
	if kind != common.ServiceAtom && config.Layer == "" {
		return fmt.Errorf("missing required flag: -layer")
	}

	job := downloader.NewJob(entities.Dataset{
		Service:  config.Endpoint,
		Kind:     kind,
		Endpoint: config.Endpoint,
		Version:  config.Version,
		Layer:    config.Layer,
	}, client.QueryOptions{
		MaxFeatures:       config.MaxFeatures,
		BBox:              bbox,
		OutputCRS:         config.OutputCRS,
		Filter:            parseKV(config.Filter),
		StoredQueryID:     config.StoredQuery,
		StoredQueryParams: parseKV(config.QueryParams),
	})
	job.Format = config.Format
	job.Credentials = common.Credentials{Username: config.Username, Password: config.Password}

	opts := client.ClientOptions{
		Fetch: capabilities.FetchOptions{Timeout: config.Timeout, NbRetries: config.Retries},
		Retry: client.DefaultRetryPolicy(),
	}

	ctx = log.With(ctx, "job", job.ID)
	files, err := downloader.ProcessJob(ctx, opts, job, config.Workdir)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintln(os.Stdout, f)
	}
	return nil
}
