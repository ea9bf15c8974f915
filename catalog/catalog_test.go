package catalog_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/gorilla/mux"

	"github.com/geoharvest/ogc-ingester/catalog"
	"github.com/geoharvest/ogc-ingester/catalog/entities"
	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/interface/client"
)

const wfsCaps = `<?xml version="1.0"?>
<wfs:WFS_Capabilities version="2.0.0"
    xmlns:wfs="http://www.opengis.net/wfs/2.0"
    xmlns:ows="http://www.opengis.net/ows/1.1">
  <wfs:FeatureTypeList>
    <wfs:FeatureType>
      <wfs:Name>cp:CadastralParcel</wfs:Name>
      <wfs:Title>Parcels</wfs:Title>
      <ows:WGS84BoundingBox>
        <ows:LowerCorner>-10.5 35.9</ows:LowerCorner>
        <ows:UpperCorner>4.6 44.1</ows:UpperCorner>
      </ows:WGS84BoundingBox>
    </wfs:FeatureType>
  </wfs:FeatureTypeList>
</wfs:WFS_Capabilities>`

const wcsCaps = `<?xml version="1.0"?>
<wcs:Capabilities version="2.0.1" xmlns:wcs="http://www.opengis.net/wcs/2.0" xmlns:ows="http://www.opengis.net/ows/2.0">
  <wcs:Contents>
    <wcs:CoverageSummary>
      <wcs:CoverageId>dem</wcs:CoverageId>
      <ows:WGS84BoundingBox>
        <ows:LowerCorner>5.0 44.0</ows:LowerCorner>
        <ows:UpperCorner>16.0 48.0</ows:UpperCorner>
      </ows:WGS84BoundingBox>
    </wcs:CoverageSummary>
  </wcs:Contents>
</wcs:Capabilities>`

var _ = Describe("Catalog", func() {
	var (
		c       *catalog.Catalog
		wfsSrv  *httptest.Server
		wcsSrv  *httptest.Server
		downSrv *httptest.Server
	)

	BeforeEach(func() {
		wfsSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, wfsCaps)
		}))
		wcsSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, wcsCaps)
		}))
		downSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", 404)
		}))
	})

	AfterEach(func() {
		wfsSrv.Close()
		wcsSrv.Close()
		downSrv.Close()
	})

	newCatalog := func(services ...entities.ServiceRef) *catalog.Catalog {
		return catalog.New(services, client.ClientOptions{Retry: client.DefaultRetryPolicy()})
	}

	Describe("DoInventory", func() {
		It("collects the datasets of every service", func() {
			c = newCatalog(
				entities.ServiceRef{Name: "parcels", Kind: common.ServiceWFS, Endpoint: wfsSrv.URL},
				entities.ServiceRef{Name: "elevation", Kind: common.ServiceWCS, Endpoint: wcsSrv.URL},
			)
			nb, err := c.DoInventory(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(nb).To(Equal(2))

			datasets := c.Datasets(nil)
			Expect(datasets).To(HaveLen(2))
			layers := []string{datasets[0].Layer, datasets[1].Layer}
			Expect(layers).To(ContainElement("cp:CadastralParcel"))
			Expect(layers).To(ContainElement("dem"))
		})

		It("skips a failing service but keeps the others", func() {
			c = newCatalog(
				entities.ServiceRef{Name: "parcels", Kind: common.ServiceWFS, Endpoint: wfsSrv.URL},
				entities.ServiceRef{Name: "broken", Kind: common.ServiceWFS, Endpoint: downSrv.URL},
			)
			nb, err := c.DoInventory(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(nb).To(Equal(1))
		})

		It("serves dataset queries during a re-inventory", func() {
			c = newCatalog(
				entities.ServiceRef{Name: "parcels", Kind: common.ServiceWFS, Endpoint: wfsSrv.URL},
			)
			_, err := c.DoInventory(context.Background())
			Expect(err).NotTo(HaveOccurred())

			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := 0; i < 20; i++ {
					_, _ = c.DoInventory(context.Background())
				}
			}()
			for i := 0; i < 200; i++ {
				_ = c.Datasets(nil)
			}
			<-done
			Expect(c.Datasets(nil)).To(HaveLen(1))
		})

		It("fails when every service fails", func() {
			c = newCatalog(
				entities.ServiceRef{Name: "broken", Kind: common.ServiceWFS, Endpoint: downSrv.URL},
			)
			_, err := c.DoInventory(context.Background())
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("HTTP handlers", func() {
		var router *mux.Router

		BeforeEach(func() {
			c = newCatalog(
				entities.ServiceRef{Name: "parcels", Kind: common.ServiceWFS, Endpoint: wfsSrv.URL},
				entities.ServiceRef{Name: "elevation", Kind: common.ServiceWCS, Endpoint: wcsSrv.URL},
			)
			_, err := c.DoInventory(context.Background())
			Expect(err).NotTo(HaveOccurred())

			router = mux.NewRouter()
			c.AddHandler(router)
		})

		It("lists the configured services", func() {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest("GET", "/catalog/services", nil))
			Expect(rec.Code).To(Equal(200))

			var services []entities.ServiceRef
			Expect(json.Unmarshal(rec.Body.Bytes(), &services)).To(Succeed())
			Expect(services).To(HaveLen(2))
		})

		It("filters datasets by bbox", func() {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest("GET", "/catalog/datasets?bbox=-5,38,0,41", nil))
			Expect(rec.Code).To(Equal(200))

			var datasets []entities.Dataset
			Expect(json.Unmarshal(rec.Body.Bytes(), &datasets)).To(Succeed())
			Expect(datasets).To(HaveLen(1))
			Expect(datasets[0].Layer).To(Equal("cp:CadastralParcel"))
		})

		It("rejects a malformed bbox", func() {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest("GET", "/catalog/datasets?bbox=1,2", nil))
			Expect(rec.Code).To(Equal(400))
		})

		It("re-inventories on demand", func() {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest("POST", "/catalog/inventory", nil))
			Expect(rec.Code).To(Equal(200))

			var result struct {
				ID       string `json:"id"`
				Datasets int    `json:"datasets"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &result)).To(Succeed())
			Expect(result.ID).NotTo(BeEmpty())
			Expect(result.Datasets).To(Equal(2))
		})
	})
})
