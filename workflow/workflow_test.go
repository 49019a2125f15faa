package workflow_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airbusgeo/godal"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/airbusgeo/s2-quicklook/common"
	"github.com/airbusgeo/s2-quicklook/downloader"
	"github.com/airbusgeo/s2-quicklook/interface/catalog/copernicus"
	"github.com/airbusgeo/s2-quicklook/interface/provider"
	"github.com/airbusgeo/s2-quicklook/processor"
	"github.com/airbusgeo/s2-quicklook/service"
	"github.com/airbusgeo/s2-quicklook/service/cache"
	"github.com/airbusgeo/s2-quicklook/workflow"
)

var istanbul = common.SearchCriteria{
	Start:     time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	End:       time.Date(2023, 1, 30, 0, 0, 0, 0, time.UTC),
	CloudRate: 10,
	Lat:       41.0082,
	Lon:       28.9784,
}

func collect(events <-chan common.Event) []common.Event {
	var all []common.Event
	for e := range events {
		all = append(all, e)
	}
	return all
}

func ofKind(events []common.Event, kind common.EventKind) []common.Event {
	var res []common.Event
	for _, e := range events {
		if e.Kind == kind {
			res = append(res, e)
		}
	}
	return res
}

func lines(events []common.Event) []string {
	var res []string
	for _, e := range events {
		res = append(res, e.String())
	}
	return res
}

func bandFile(band string) string {
	return "T35TPF_20230103T090351_" + band + ".jp2"
}

var _ = Describe("Workflow", func() {
	var (
		cacheDir, outDir string
		bandCache        *cache.Cache
		compositor       *fakeCompositor
		wf               *workflow.Workflow
	)

	BeforeEach(func() {
		var err error
		cacheDir, err = os.MkdirTemp("", "quicklook-cache")
		Expect(err).NotTo(HaveOccurred())
		outDir, err = os.MkdirTemp("", "quicklook-out")
		Expect(err).NotTo(HaveOccurred())
		bandCache, err = cache.Open(cacheDir)
		Expect(err).NotTo(HaveOccurred())

		compositor = &fakeCompositor{outdir: outDir}
		wf = workflow.NewWorkflow(
			&copernicus.Provider{BaseURL: stub.URL + "/odata/v1", Client: stub.Client()},
			&provider.CopernicusAuthenticator{TokenURL: stub.URL + "/token", Username: "user", Password: "pass", HTTPClient: stub.Client()},
			downloader.New(stub.URL+"/odata/v1", bandCache),
			compositor,
			nil,
		)
	})

	AfterEach(func() {
		stub.reset()
		bandCache.Close()
		os.RemoveAll(cacheDir)
		os.RemoveAll(outDir)
	})

	Describe("Run", func() {
		It("composites the valid product and skips the product without metadata", func() {
			events := collect(wf.Start(ctx, istanbul))

			ready := ofKind(events, common.EventImageReady)
			Expect(ready).To(HaveLen(1))
			Expect(ready[0].Index).To(Equal(0))
			Expect(ready[0].Path).To(Equal(filepath.Join(outDir, "Sentinel2_Result_0.jpeg")))
			Expect(ready[0].String()).To(Equal(common.ImageReadyPrefix + ready[0].Path))

			skipped := ofKind(events, common.EventSkipped)
			Expect(skipped).To(HaveLen(1))
			Expect(skipped[0].Index).To(Equal(1))
			Expect(skipped[0].Stage).To(Equal(common.StageMetadata))
			Expect(skipped[0].Message).To(ContainSubstring(productB))

			Expect(ofKind(events, common.EventDone)).To(HaveLen(1))
			Expect(events[len(events)-1].Kind).To(Equal(common.EventDone))
			Expect(events[len(events)-1].String()).To(Equal("Run complete"))

			Expect(lines(events)).To(ContainElements(
				"Starting query...",
				"2 products found.",
				"Authentication successful.",
				"Processing (1/2): "+productA+".SAFE",
				"Downloading: "+bandFile("B02")+"...",
				"Download complete.",
				"Processing (2/2): "+productB+".SAFE",
			))

			Expect(compositor.calls).To(HaveLen(1))
			Expect(compositor.calls[0]).To(Equal([]string{
				filepath.Join(cacheDir, bandFile("B02")),
				filepath.Join(cacheDir, bandFile("B03")),
				filepath.Join(cacheDir, bandFile("B04")),
			}))
			Expect(filepath.Join(cacheDir, productA+".SAFE_MTD.xml")).To(BeAnExistingFile())
		})

		It("uses the cache on the second run", func() {
			collect(wf.Start(ctx, istanbul))
			n := stub.nodes()

			events := collect(wf.Start(ctx, istanbul))
			Expect(ofKind(events, common.EventImageReady)).To(HaveLen(1))
			Expect(lines(events)).To(ContainElement("Found in cache: " + bandFile("B04")))
			// Only the descriptor of product B is requested again
			Expect(stub.nodes() - n).To(BeEquivalentTo(1))
		})

		It("skips the product when a band cannot be downloaded", func() {
			stub.missingBand.Store(bandFile("B03"))
			events := collect(wf.Start(ctx, istanbul))

			Expect(ofKind(events, common.EventImageReady)).To(BeEmpty())
			failures := ofKind(events, common.EventFailure)
			Expect(failures).To(HaveLen(1))
			Expect(failures[0].Stage).To(Equal(common.StageDownload))
			Expect(failures[0].Message).To(ContainSubstring(bandFile("B03")))

			skipped := ofKind(events, common.EventSkipped)
			Expect(skipped).To(HaveLen(2))
			Expect(skipped[0].Index).To(Equal(0))
			Expect(skipped[0].Stage).To(Equal(common.StageDownload))
			Expect(compositor.calls).To(BeEmpty())
			Expect(events[len(events)-1].Kind).To(Equal(common.EventDone))
		})

		It("reports that no product matches", func() {
			atomic.StoreInt32(&stub.emptySearch, 1)
			auths := stub.auths()
			events := collect(wf.Start(ctx, istanbul))

			Expect(lines(events)).To(ContainElement("No products match the given criteria."))
			Expect(events[len(events)-1].Kind).To(Equal(common.EventDone))
			Expect(stub.auths()).To(Equal(auths))
		})

		It("halts when the search fails", func() {
			atomic.StoreInt32(&stub.searchStatus, http.StatusServiceUnavailable)
			auths := stub.auths()
			events := collect(wf.Start(ctx, istanbul))

			failures := ofKind(events, common.EventFailure)
			Expect(failures).To(HaveLen(1))
			Expect(failures[0].Stage).To(Equal(common.StageSearch))
			Expect(events[len(events)-1].Kind).To(Equal(common.EventDone))
			Expect(stub.auths()).To(Equal(auths))
		})

		It("halts when the authentication fails", func() {
			wf.Authenticator = &provider.CopernicusAuthenticator{TokenURL: stub.URL + "/token", Username: "user", Password: "wrong", HTTPClient: stub.Client()}
			nodes := stub.nodes()
			events := collect(wf.Start(ctx, istanbul))

			failures := ofKind(events, common.EventFailure)
			Expect(failures).To(HaveLen(1))
			Expect(failures[0].Stage).To(Equal(common.StageAuth))
			Expect(failures[0].String()).To(Equal("Authentication failed!"))
			Expect(ofKind(events, common.EventImageReady)).To(BeEmpty())
			Expect(events[len(events)-1].Kind).To(Equal(common.EventDone))
			Expect(stub.nodes()).To(Equal(nodes))
		})

		It("stops when cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			events := collect(wf.Start(cctx, istanbul))

			Expect(ofKind(events, common.EventImageReady)).To(BeEmpty())
			Expect(ofKind(events, common.EventDone)).To(HaveLen(1))
			Expect(events[len(events)-1].Kind).To(Equal(common.EventDone))
		})

		It("skips a product that panics and processes the next ones", func() {
			compositor.panics = true
			events := collect(wf.Start(ctx, istanbul))

			skipped := ofKind(events, common.EventSkipped)
			Expect(skipped).To(HaveLen(2))
			Expect(skipped[0].Index).To(Equal(0))
			Expect(skipped[0].Message).To(ContainSubstring("Critical error: compositor exploded"))
			Expect(skipped[1].Index).To(Equal(1))
			Expect(skipped[1].Stage).To(Equal(common.StageMetadata))
			Expect(lines(events)).To(ContainElement("Processing (2/2): " + productB + ".SAFE"))
			Expect(events[len(events)-1].Kind).To(Equal(common.EventDone))
		})

		It("recovers from a panic outside of a product", func() {
			wf.Catalog = panickingCatalog{}
			events := collect(wf.Start(ctx, istanbul))

			failures := ofKind(events, common.EventFailure)
			Expect(failures).To(HaveLen(1))
			Expect(failures[0].Message).To(ContainSubstring("Critical error"))
			Expect(events[len(events)-1].Kind).To(Equal(common.EventDone))

			// The next run is not blocked
			events = collect(wf.Start(ctx, istanbul))
			Expect(lines(events)).To(ContainElement("Critical error: catalog exploded"))
		})

		It("publishes the composites", func() {
			publishDir := filepath.Join(outDir, "published")
			storage, err := service.NewStorageStrategy(ctx, publishDir, service.S3Options{})
			Expect(err).NotTo(HaveOccurred())
			wf.Storage = storage

			events := collect(wf.Start(ctx, istanbul))
			published := filepath.Join(publishDir, "Sentinel2_Result_0.jpeg")
			Expect(lines(events)).To(ContainElement("Published: " + published))
			Expect(published).To(BeAnExistingFile())
		})

		Context("with the godal compositor", func() {
			It("writes an RGB quicklook", func() {
				wf.Compositor = processor.NewCompositor(outDir, 1)
				events := collect(wf.Start(ctx, istanbul))

				ready := ofKind(events, common.EventImageReady)
				Expect(ready).To(HaveLen(1))
				ds, err := godal.Open(ready[0].Path)
				Expect(err).NotTo(HaveOccurred())
				defer ds.Close()
				st := ds.Structure()
				Expect(st.SizeX).To(Equal(bandSize))
				Expect(st.SizeY).To(Equal(bandSize))
				Expect(st.NBands).To(Equal(3))
			})
		})
	})

	Describe("Handler", func() {
		var server *httptest.Server

		BeforeEach(func() {
			server = httptest.NewServer(wf.NewHandler(outDir))
		})

		AfterEach(func() {
			server.Close()
		})

		get := func(url string) (int, string) {
			resp, err := http.Get(server.URL + url)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			return resp.StatusCode, string(body)
		}

		It("streams the status lines", func() {
			status, body := get("/quicklook?start=2023-01-01&end=2023-01-30&cloud=10&lat=41.0082&lon=28.9784")
			Expect(status).To(Equal(http.StatusOK))
			statusLines := strings.Split(strings.TrimSpace(body), "\n")
			Expect(statusLines[0]).To(Equal("Starting query..."))
			Expect(statusLines[len(statusLines)-1]).To(Equal("Run complete"))
			Expect(statusLines).To(ContainElement(common.ImageReadyPrefix + filepath.Join(outDir, "Sentinel2_Result_0.jpeg")))

			status, body = get("/images/Sentinel2_Result_0.jpeg")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(Equal("jpeg"))
		})

		It("runs the concurrent requests one after the other", func() {
			compositor.delay = 200 * time.Millisecond
			bodies := make([]string, 2)
			var wg sync.WaitGroup
			for i := range bodies {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, bodies[i] = get("/quicklook?start=2023-01-01&end=2023-01-30&cloud=10&lat=41.0082&lon=28.9784")
				}(i)
			}
			wg.Wait()

			Expect(compositor.concurrency()).To(BeEquivalentTo(1))
			waiting := 0
			for _, body := range bodies {
				statusLines := strings.Split(strings.TrimSpace(body), "\n")
				Expect(statusLines).To(ContainElement(common.ImageReadyPrefix + filepath.Join(outDir, "Sentinel2_Result_0.jpeg")))
				Expect(statusLines[len(statusLines)-1]).To(Equal("Run complete"))
				if statusLines[0] == "Waiting for the current run to complete..." {
					waiting++
				}
			}
			Expect(waiting).To(BeNumerically("<=", 1))
		})

		It("rejects invalid criteria", func() {
			status, _ := get("/quicklook?start=2023-01-30&end=2023-01-01&cloud=10&lat=41.0082&lon=28.9784")
			Expect(status).To(Equal(http.StatusBadRequest))
			status, _ = get("/quicklook?start=2023-01-01&end=2023-01-30&cloud=110&lat=41.0082&lon=28.9784")
			Expect(status).To(Equal(http.StatusBadRequest))
			status, _ = get("/quicklook?start=2023-01-01&end=2023-01-30&cloud=NaN&lat=NaN&lon=NaN")
			Expect(status).To(Equal(http.StatusBadRequest))
		})

		It("serves only the existing images", func() {
			status, _ := get("/images/missing.jpeg")
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("exposes the metrics", func() {
			status, _ := get("/metrics")
			Expect(status).To(Equal(http.StatusOK))
		})
	})
})
