// Package capabilities fetches and parses the self-description documents of
// OGC download services: WFS/WCS capabilities XML and OpenAPI specs of
// OGC API deployments.
package capabilities

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/service"
	"github.com/geoharvest/ogc-ingester/service/log"
)

// FetchOptions tune the capability requests of a reader
type FetchOptions struct {
	Timeout     time.Duration
	NbRetries   int
	Credentials common.Credentials
}

func (o *FetchOptions) defaults() {
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
}

// Document is an immutable snapshot of a service self-description.
// It is never mutated after Fetch: a re-fetch builds a new Document.
type Document struct {
	ServiceType common.ServiceKind
	Version     string
	Endpoint    string
	Namespaces  map[string]string
	Raw         []byte

	root *Node
	opts FetchOptions
}

// Fetch retrieves and parses a GetCapabilities document.
// The version parameter may be empty to let the server pick; the negotiated
// version is read back from the document root.
func Fetch(ctx context.Context, serviceType common.ServiceKind, version, endpoint string, opts FetchOptions) (*Document, error) {
	opts.defaults()
	endpoint = service.TrimQuery(endpoint)

	url := fmt.Sprintf("%s?service=%s&request=GetCapabilities", endpoint, serviceType)
	if version != "" {
		url += "&version=" + version
	}
	log.Logger(ctx).Sugar().Debugf("fetching capabilities from %s", url)

	raw, err := service.GetBodyRetry(ctx, url, opts.NbRetries, opts.Timeout, opts.Credentials)
	if err != nil {
		return nil, service.NewNetworkError(string(serviceType), version, "GetCapabilities", err)
	}
	doc, err := Parse(serviceType, endpoint, raw)
	if err != nil {
		return nil, err
	}
	if doc.Version == "" {
		doc.Version = version
	}
	doc.opts = opts
	return doc, nil
}

// Parse builds a Document from raw capabilities XML
func Parse(serviceType common.ServiceKind, endpoint string, raw []byte) (*Document, error) {
	root := &Node{}
	if err := xml.Unmarshal(raw, root); err != nil {
		return nil, service.NewParseError(string(serviceType), "", "GetCapabilities", err)
	}
	doc := &Document{
		ServiceType: serviceType,
		Endpoint:    endpoint,
		Namespaces:  ExtractNamespaces(raw),
		Raw:         raw,
		root:        root,
	}
	doc.Version = root.Attr("version")
	return doc, nil
}

// Root returns the parsed document root
func (d *Document) Root() *Node { return d.root }

// Namespace returns the URI bound to the given prefix ("" for the default namespace)
func (d *Document) Namespace(prefix string) string { return d.Namespaces[prefix] }

// subRequest issues a follow-up GET against the service endpoint (e.g.
// DescribeStoredQueries, DescribeCoverage) and parses the XML response.
// Parameter values pass through url.Values: stored-query IDs are URNs and
// need the escaping.
func (d *Document) subRequest(ctx context.Context, operation string, params map[string]string) (*Node, map[string]string, error) {
	v := url.Values{}
	v.Set("service", string(d.ServiceType))
	v.Set("version", d.Version)
	v.Set("request", operation)
	for k, val := range params {
		v.Set(k, val)
	}
	raw, err := service.GetBodyRetry(ctx, d.Endpoint+"?"+v.Encode(), d.opts.NbRetries, d.opts.Timeout, d.opts.Credentials)
	if err != nil {
		return nil, nil, service.NewNetworkError(string(d.ServiceType), d.Version, operation, err)
	}
	node := &Node{}
	if err := xml.Unmarshal(raw, node); err != nil {
		return nil, nil, service.NewParseError(string(d.ServiceType), d.Version, operation, err)
	}
	return node, ExtractNamespaces(raw), nil
}

// ExtractNamespaces returns the prefix->URI mapping declared anywhere in the
// document. Pure function over the raw bytes.
func ExtractNamespaces(raw []byte) map[string]string {
	namespaces := map[string]string{}
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.RawToken()
		if err != nil {
			return namespaces
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, attr := range start.Attr {
			switch {
			case attr.Name.Space == "xmlns":
				namespaces[attr.Name.Local] = attr.Value
			case attr.Name.Space == "" && attr.Name.Local == "xmlns":
				namespaces[""] = attr.Value
			}
		}
	}
}

// Node is a generic element of a namespaced XML document. Capability layouts
// vary per protocol version, so readers traverse this tree by local element
// name instead of unmarshalling into per-version structs.
type Node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []Node     `xml:",any"`
	Chardata string     `xml:",chardata"`
}

// Attr returns the value of the named attribute (match on local name)
func (n *Node) Attr(local string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// Text returns the trimmed character data of the element
func (n *Node) Text() string { return strings.TrimSpace(n.Chardata) }

// Find returns the first direct child with the given local name
func (n *Node) Find(local string) *Node {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == local {
			return &n.Children[i]
		}
	}
	return nil
}

// FindText returns the text of the first direct child with the given local name
func (n *Node) FindText(local string) string {
	if c := n.Find(local); c != nil {
		return c.Text()
	}
	return ""
}

// FindAll returns the direct children with the given local name
func (n *Node) FindAll(local string) []*Node {
	var nodes []*Node
	for i := range n.Children {
		if n.Children[i].XMLName.Local == local {
			nodes = append(nodes, &n.Children[i])
		}
	}
	return nodes
}

// Descendants returns every descendant with the given local name, depth-first
func (n *Node) Descendants(local string) []*Node {
	var nodes []*Node
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local == local {
			nodes = append(nodes, c)
		}
		nodes = append(nodes, c.Descendants(local)...)
	}
	return nodes
}

// FirstDescendant returns the first descendant with the given local name
func (n *Node) FirstDescendant(local string) *Node {
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local == local {
			return c
		}
		if d := c.FirstDescendant(local); d != nil {
			return d
		}
	}
	return nil
}
