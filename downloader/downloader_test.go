package downloader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/geoharvest/ogc-ingester/catalog/entities"
	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/interface/capabilities"
	"github.com/geoharvest/ogc-ingester/interface/client"
)

const wfsCaps = `<?xml version="1.0"?>
<wfs:WFS_Capabilities version="2.0.0"
    xmlns:wfs="http://www.opengis.net/wfs/2.0"
    xmlns:ows="http://www.opengis.net/ows/1.1">
  <ows:OperationsMetadata>
    <ows:Constraint name="CountDefault"><ows:DefaultValue>3</ows:DefaultValue></ows:Constraint>
  </ows:OperationsMetadata>
  <wfs:FeatureTypeList>
    <wfs:FeatureType><wfs:Name>cp:Parcel</wfs:Name></wfs:FeatureType>
  </wfs:FeatureTypeList>
</wfs:WFS_Capabilities>`

func featurePage(start, n, matched int) string {
	page := fmt.Sprintf(`<wfs:FeatureCollection numberMatched="%d" numberReturned="%d"
     xmlns:wfs="http://www.opengis.net/wfs/2.0" xmlns:gml="http://www.opengis.net/gml/3.2" xmlns:cp="http://example.com/cp">`, matched, n)
	for i := 0; i < n; i++ {
		page += fmt.Sprintf(`<wfs:member><cp:Parcel gml:id="P.%d"><cp:label>l%d</cp:label></cp:Parcel></wfs:member>`, start+i, start+i)
	}
	return page + `</wfs:FeatureCollection>`
}

func TestProcessJobWFS(t *testing.T) {
	total := 7
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("request") {
		case "GetCapabilities":
			fmt.Fprint(w, wfsCaps)
		case "GetFeature":
			start, _ := strconv.Atoi(q.Get("startIndex"))
			count, _ := strconv.Atoi(q.Get("count"))
			n := total - start
			if n > count {
				n = count
			}
			fmt.Fprint(w, featurePage(start, n, total))
		default:
			http.Error(w, "unknown request", 400)
		}
	}))
	defer srv.Close()

	workdir := t.TempDir()
	job := NewJob(entities.Dataset{
		Kind:     common.ServiceWFS,
		Endpoint: srv.URL,
		Layer:    "cp:Parcel",
	}, client.QueryOptions{})

	opts := client.ClientOptions{
		Fetch: capabilities.FetchOptions{Timeout: 5 * time.Second},
		Retry: client.RetryPolicy{MaxAttempts: 2, Backoff: func(int) time.Duration { return 0 }},
	}
	files, err := ProcessJob(context.Background(), opts, job, workdir)
	if err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files", len(files))
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var feature common.GeoFeature
		if err := json.Unmarshal(scanner.Bytes(), &feature); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		lines++
	}
	if lines != total {
		t.Errorf("wrote %d features, want %d", lines, total)
	}
}

func TestProcessJobUnknownKind(t *testing.T) {
	job := NewJob(entities.Dataset{Kind: "WMS"}, client.QueryOptions{})
	if _, err := ProcessJob(context.Background(), client.ClientOptions{}, job, t.TempDir()); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}

func TestLayerFilename(t *testing.T) {
	if got := layerFilename("cp:CadastralParcel", ".ndjson"); got != "cp_CadastralParcel.ndjson" {
		t.Errorf("got %q", got)
	}
}
