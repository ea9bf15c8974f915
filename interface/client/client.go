// Package client implements download clients for the OGC service families:
// WFS feature paging, WCS coverage retrieval, Atom feed crawling and OGC API
// collection streaming. All clients fetch their service capabilities at
// construction and expose lazy, cancellable iterators over the results.
package client

import (
	"context"
	"errors"
	"time"

	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/interface/capabilities"
	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/crs"
	"github.com/geoharvest/ogc-ingester/service/log"
)

// Done is returned by Next when the iterator is exhausted
var Done = errors.New("no more features")

// FeatureIterator streams features lazily. Next blocks for at most one page
// fetch and honors ctx cancellation; after Done or a non-nil error the
// iterator yields nothing more. Close releases the iterator early.
type FeatureIterator interface {
	Next(ctx context.Context) (common.GeoFeature, error)
	Close() error
}

// iterState tracks the lifecycle of a client/iterator pair
type iterState int

const (
	stateUninitialized iterState = iota
	stateCapabilitiesLoaded
	stateQuerying
	stateStreaming
	stateDone
)

// RetryPolicy bounds the re-issue of a failed page request
type RetryPolicy struct {
	// MaxAttempts counts the initial try plus retries
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultRetryPolicy retries twice after the first failure with exponential
// backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     func(attempt int) time.Duration { return ((1 << attempt) - 1) * time.Second },
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Backoff == nil {
		p.Backoff = DefaultRetryPolicy().Backoff
	}
	return p
}

// do runs fn under the policy, retrying temporary failures only. The final
// error is the last attempt's.
func (p RetryPolicy) do(ctx context.Context, fn func() error) error {
	p = p.normalize()
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			log.Logger(ctx).Sugar().Debugf("retrying after %v (attempt %d/%d): %v", p.Backoff(attempt), attempt+1, p.MaxAttempts, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff(attempt)):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !service.Temporary(err) {
			return err
		}
	}
	return err
}

// QueryOptions narrow a feature download
type QueryOptions struct {
	// MaxFeatures is the page size; 0 uses the service default
	MaxFeatures int
	BBox        *crs.Envelope
	// OutputCRS must be advertised by the dataset, checked before any request
	OutputCRS string
	// Filter holds raw key=value query predicates passed through to the service
	Filter map[string]string

	// StoredQueryID selects a stored query instead of a plain type query (WFS only)
	StoredQueryID     string
	StoredQueryParams map[string]string

	// Files restricts which archive members are decoded (Atom only); empty
	// means all of them
	Files []string
}

// ClientOptions configure the construction of any service client
type ClientOptions struct {
	Fetch        capabilities.FetchOptions
	Retry        RetryPolicy
	DescribeMode capabilities.DescribeMode
	// MaxDepth bounds nested feed recursion (Atom only); 0 means the default
	MaxDepth int
}

// defaultPageSize applies when neither the caller nor the service declares one
const defaultPageSize = 1000
