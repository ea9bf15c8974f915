package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/geoharvest/ogc-ingester/catalog"
	"github.com/geoharvest/ogc-ingester/catalog/entities"
	"github.com/geoharvest/ogc-ingester/interface/capabilities"
	"github.com/geoharvest/ogc-ingester/interface/client"
	"github.com/geoharvest/ogc-ingester/service/log"
)

type config struct {
	ServicesJSON string
	Port         int
	Timeout      time.Duration
	Retries      int
	SkipStartup  bool
}

func newAppConfig() (*config, error) {
	config := config{}
	flag.StringVar(&config.ServicesJSON, "services", "", "json file listing the download services to inventory")
	flag.IntVar(&config.Port, "port", 8080, "port of the catalog server")
	flag.DurationVar(&config.Timeout, "timeout", 30*time.Second, "timeout of the capability requests")
	flag.IntVar(&config.Retries, "retries", 2, "number of retries of a failed request")
	flag.BoolVar(&config.SkipStartup, "skip-startup-inventory", false, "do not inventory the services at startup (POST /catalog/inventory later)")
	flag.Parse()

	if config.ServicesJSON == "" {
		return nil, fmt.Errorf("missing required flag: -services")
	}
	return &config, nil
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

	services, err := entities.ServicesFromJSON(config.ServicesJSON)
	if err != nil {
		return err
	}

	c := catalog.New(services.Services, client.ClientOptions{
		Fetch: capabilities.FetchOptions{Timeout: config.Timeout, NbRetries: config.Retries},
		Retry: client.DefaultRetryPolicy(),
	})

	if !config.SkipStartup {
		nb, err := c.DoInventory(ctx)
		if err != nil {
			return fmt.Errorf("startup inventory: %w", err)
		}
		log.Logger(ctx).Sugar().Infof("startup inventory: %d datasets", nb)
	}

	// HTTP Server
	r := mux.NewRouter()
	c.AddHandler(r)
	s := http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: handlers.CombinedLoggingHandler(os.Stdout, handlers.CORS()(r)),
	}

	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger(ctx).Fatal("catalog.ListenAndServe", zap.Error(err))
		}
	}()
	log.Logger(ctx).Sugar().Infof("catalog listening on :%d", config.Port)

	<-ctx.Done()
	sctx, cncl := context.WithTimeout(context.Background(), 30*time.Second)
	defer cncl()
	return s.Shutdown(sctx)
}
