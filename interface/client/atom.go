package client

import (
	"context"
	"encoding/xml"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mholt/archiver"

	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/crs"
	"github.com/geoharvest/ogc-ingester/service/log"
)

// defaultMaxDepth bounds nested feed recursion
const defaultMaxDepth = 5

// atomFeed is the subset of an Atom document the crawler needs
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Updated string      `xml:"updated"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID      string     `xml:"id"`
	Title   string     `xml:"title"`
	Updated string     `xml:"updated"`
	Links   []atomLink `xml:"link"`
	// georss:box, "miny minx maxy maxx"
	Box string `xml:"box"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

// DatasetRef is a downloadable dataset discovered in an Atom feed
type DatasetRef struct {
	ID      string
	Title   string
	URL     string
	Type    string // "gml" or "zip"
	FeedURL string
	Updated time.Time
	// Envelope is zero when the entry carries no georss extent
	Envelope crs.Envelope
}

// AtomClient crawls nested INSPIRE-style Atom download feeds
type AtomClient struct {
	FeedURL string
	Feed    *atomFeed
	opts    ClientOptions
}

// NewAtomClient fetches and parses the top feed. A fetch or parse failure is
// fatal: no client is returned.
func NewAtomClient(ctx context.Context, feedURL string, opts ClientOptions) (*AtomClient, error) {
	if opts.Fetch.Timeout == 0 {
		opts.Fetch.Timeout = 30 * time.Second
	}
	feed, err := fetchFeed(ctx, feedURL, opts)
	if err != nil {
		return nil, fmt.Errorf("NewAtomClient.%w", err)
	}
	return &AtomClient{FeedURL: feedURL, Feed: feed, opts: opts}, nil
}

func fetchFeed(ctx context.Context, url string, opts ClientOptions) (*atomFeed, error) {
	raw, err := service.GetBodyRetry(ctx, url, opts.Fetch.NbRetries, opts.Fetch.Timeout, opts.Fetch.Credentials)
	if err != nil {
		return nil, service.NewNetworkError("Atom", "", "GetFeed", err)
	}
	feed := &atomFeed{}
	if err := xml.Unmarshal(raw, feed); err != nil {
		return nil, service.NewParseError("Atom", "", "GetFeed", err)
	}
	return feed, nil
}

// Datasets walks the feed tree and returns every terminal dataset link.
// Visited feeds are tracked by normalized URL so link cycles terminate, and
// recursion stops at the depth bound. A feed or entry that fails to fetch is
// logged and skipped, it never aborts the crawl.
func (c *AtomClient) Datasets(ctx context.Context) ([]DatasetRef, error) {
	maxDepth := c.opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}

	type task struct {
		url   string
		feed  *atomFeed
		depth int
	}
	queue := []task{{url: c.FeedURL, feed: c.Feed, depth: 0}}
	visited := service.StringSet{}
	visited.Push(service.NormalizeURL(c.FeedURL))

	var datasets []DatasetRef
	seen := service.StringSet{}

	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]

		feed := t.feed
		if feed == nil {
			var err error
			if feed, err = fetchFeed(ctx, t.url, c.opts); err != nil {
				log.Logger(ctx).Sugar().Warnf("Datasets: skipping feed %s: %v", t.url, err)
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			return datasets, err
		}

		for _, entry := range feed.Entries {
			for _, link := range entry.Links {
				switch classifyAtomLink(link) {
				case linkNestedFeed:
					key := service.NormalizeURL(link.Href)
					if visited.Exists(key) {
						log.Logger(ctx).Sugar().Debugf("Datasets: already visited %s", link.Href)
						continue
					}
					if t.depth+1 > maxDepth {
						log.Logger(ctx).Sugar().Warnf("Datasets: depth bound %d reached at %s", maxDepth, link.Href)
						continue
					}
					visited.Push(key)
					queue = append(queue, task{url: link.Href, depth: t.depth + 1})
				case linkGML, linkZip:
					key := service.NormalizeURL(link.Href)
					if seen.Exists(key) {
						continue
					}
					seen.Push(key)
					datasets = append(datasets, newDatasetRef(ctx, entry, link, t.url))
				}
			}
		}
	}
	return datasets, nil
}

func newDatasetRef(ctx context.Context, entry atomEntry, link atomLink, feedURL string) DatasetRef {
	ref := DatasetRef{
		ID:      entry.ID,
		Title:   entry.Title,
		URL:     link.Href,
		Type:    "gml",
		FeedURL: feedURL,
	}
	if classifyAtomLink(link) == linkZip {
		ref.Type = "zip"
	}
	if ref.ID == "" {
		ref.ID = link.Href
	}
	if entry.Updated != "" {
		if ts, err := dateparse.ParseAny(entry.Updated); err == nil {
			ref.Updated = ts
		} else {
			log.Logger(ctx).Sugar().Debugf("unparseable updated %q on %s", entry.Updated, ref.ID)
		}
	}
	// georss:box is "miny minx maxy maxx"
	if env, err := crs.FromCorners(swapAxes(entry.Box, true), swapAxes(entry.Box, false), "EPSG:4326"); err == nil && entry.Box != "" {
		ref.Envelope = env
	}
	return ref
}

// swapAxes extracts one corner of a lat/lon georss box in lon/lat order
func swapAxes(box string, lower bool) string {
	f := strings.Fields(box)
	if len(f) != 4 {
		return ""
	}
	if lower {
		return f[1] + " " + f[0]
	}
	return f[3] + " " + f[2]
}

type atomLinkKind int

const (
	linkIgnore atomLinkKind = iota
	linkNestedFeed
	linkGML
	linkZip
)

// classifyAtomLink decides whether a link is a nested feed, a terminal
// dataset, or noise. Mime type wins; file extension is the fallback.
func classifyAtomLink(l atomLink) atomLinkKind {
	if l.Rel == "self" || l.Rel == "up" || l.Rel == "search" || l.Rel == "describedby" {
		return linkIgnore
	}
	mime := strings.ToLower(l.Type)
	switch {
	case strings.Contains(mime, "atom+xml"):
		return linkNestedFeed
	case strings.Contains(mime, "gml"):
		return linkGML
	case strings.Contains(mime, "zip"):
		return linkZip
	}
	path := strings.ToLower(service.TrimQuery(l.Href))
	switch {
	case strings.HasSuffix(path, ".atom") || strings.HasSuffix(path, ".atom.xml"):
		return linkNestedFeed
	case strings.HasSuffix(path, ".gml"):
		return linkGML
	case strings.HasSuffix(path, ".zip"):
		return linkZip
	}
	return linkIgnore
}

// DownloadDataset saves the dataset into dir, unpacking zip archives in place.
// Returns the local path of the payload (the extraction dir for archives).
func (c *AtomClient) DownloadDataset(ctx context.Context, ref DatasetRef, dir string) (string, error) {
	name := filepath.Base(service.TrimQuery(ref.URL))
	localFile := filepath.Join(dir, name)

	err := c.opts.Retry.do(ctx, func() error {
		return service.DownloadToFile(ctx, ref.URL, localFile, c.opts.Fetch.Credentials)
	})
	if err != nil {
		return "", fmt.Errorf("DownloadDataset.%w", err)
	}

	if ref.Type != "zip" {
		return localFile, nil
	}
	extractDir := strings.TrimSuffix(localFile, filepath.Ext(localFile))
	if err := os.MkdirAll(extractDir, 0766); err != nil {
		return "", fmt.Errorf("DownloadDataset.MkdirAll: %w", err)
	}
	if err := archiver.Unarchive(localFile, extractDir); err != nil {
		return "", fmt.Errorf("DownloadDataset.Unarchive: %w", err)
	}
	if err := os.Remove(localFile); err != nil {
		log.Logger(ctx).Sugar().Warnf("DownloadDataset: cannot remove archive %s: %v", localFile, err)
	}
	return extractDir, nil
}

// DatasetFeatures downloads the dataset into dir and decodes its GML payload.
// A zip dataset contributes every .gml member, optionally restricted to the
// named files.
func (c *AtomClient) DatasetFeatures(ctx context.Context, ref DatasetRef, dir string, files ...string) ([]common.GeoFeature, error) {
	path, err := c.DownloadDataset(ctx, ref, dir)
	if err != nil {
		return nil, err
	}
	members := []string{path}
	if ref.Type == "zip" {
		if members, err = gmlMembers(path, files); err != nil {
			return nil, fmt.Errorf("DatasetFeatures.%w", err)
		}
	}

	defaultCRS := ref.Envelope.CRS
	if defaultCRS == "" {
		defaultCRS = "EPSG:4326"
	}
	var features []common.GeoFeature
	for _, member := range members {
		raw, err := os.ReadFile(member)
		if err != nil {
			return features, fmt.Errorf("DatasetFeatures.ReadFile: %w", err)
		}
		page, err := decodeGMLPage("", raw, defaultCRS)
		if err != nil {
			return features, fmt.Errorf("DatasetFeatures[%s].%w", filepath.Base(member), err)
		}
		features = append(features, page.Features...)
	}
	return features, nil
}

// gmlMembers lists the .gml files under an extraction dir, optionally
// restricted to the given base names.
func gmlMembers(dir string, only []string) ([]string, error) {
	wanted := service.StringSet{}
	for _, f := range only {
		wanted.Push(f)
	}
	var members []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".gml") {
			return nil
		}
		if len(only) > 0 && !wanted.Exists(d.Name()) {
			return nil
		}
		members = append(members, path)
		return nil
	})
	return members, err
}
