package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/airbusgeo/s2-quicklook/common"
	"github.com/airbusgeo/s2-quicklook/downloader"
	"github.com/airbusgeo/s2-quicklook/interface/provider"
	"github.com/airbusgeo/s2-quicklook/service"
	"github.com/airbusgeo/s2-quicklook/service/log"
	"github.com/airbusgeo/s2-quicklook/service/metrics"
)

// Catalog searches the products matching the criteria
type Catalog interface {
	SearchProducts(ctx context.Context, criteria common.SearchCriteria) ([]common.Product, error)
}

// MetadataFetcher returns the location of the bands of a product
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, session downloader.Fetcher, product common.Product) ([]common.BandAsset, error)
}

// BandDownloader returns the local path of a band (and whether it was found in the cache)
type BandDownloader interface {
	DownloadBand(ctx context.Context, session downloader.Fetcher, product common.Product, asset common.BandAsset) (string, bool, error)
}

// Compositor creates the idx-th image of a run from the blue, green and red bands
type Compositor interface {
	Composite(ctx context.Context, bands []string, idx int) (string, error)
}

// Workflow searches the products, then downloads and composites them one at a time
type Workflow struct {
	Catalog       Catalog
	Authenticator provider.Authenticator
	Metadata      MetadataFetcher
	Bands         BandDownloader
	Compositor    Compositor
	Storage       service.Storage // Optional, to publish the composites
	EventBuffer   int             // Size of the buffer of the channel returned by Start

	// Runs write to the same output names: only one runs at a time
	runningOnce sync.Once
	running     chan struct{}
}

// acquire waits for the end of the current run, if any. Returns false if ctx is done first.
func (wf *Workflow) acquire(ctx context.Context, e emitter) bool {
	wf.runningOnce.Do(func() { wf.running = make(chan struct{}, 1) })
	select {
	case wf.running <- struct{}{}:
		return true
	default:
	}
	e.progress(ctx, common.StatusIDLE, -1, "Waiting for the current run to complete...")
	select {
	case wf.running <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (wf *Workflow) release() {
	<-wf.running
}

// NewWorkflow creates a workflow. storage can be nil.
func NewWorkflow(catalog Catalog, auth provider.Authenticator, d *downloader.Downloader, compositor Compositor, storage service.Storage) *Workflow {
	return &Workflow{
		Catalog:       catalog,
		Authenticator: auth,
		Metadata:      d,
		Bands:         d,
		Compositor:    compositor,
		Storage:       storage,
		EventBuffer:   16,
	}
}

// productContext is passed between the stages of the processing of a product
type productContext struct {
	index   int
	total   int
	product common.Product
	session *provider.Session
	assets  []common.BandAsset
	bands   []string
}

// emitter logs and sends the events of a run
type emitter struct {
	events chan<- common.Event
}

func (e emitter) emit(ctx context.Context, ev common.Event) {
	lg := log.Logger(ctx)
	switch ev.Kind {
	case common.EventSkipped, common.EventFailure:
		lg.Warn(ev.Message, zap.String("stage", ev.Stage.String()), zap.Int("index", ev.Index))
	case common.EventImageReady:
		lg.Info("image ready", zap.String("path", ev.Path), zap.Int("index", ev.Index))
	default:
		lg.Info(ev.Message, zap.String("status", ev.Status.String()))
	}
	e.events <- ev
}

func (e emitter) progress(ctx context.Context, status common.Status, index int, format string, args ...interface{}) {
	e.emit(ctx, common.Event{Kind: common.EventProgress, Status: status, Index: index, Message: fmt.Sprintf(format, args...)})
}

func (e emitter) failure(ctx context.Context, status common.Status, stage common.Stage, index int, format string, args ...interface{}) {
	e.emit(ctx, common.Event{Kind: common.EventFailure, Status: status, Stage: stage, Index: index, Message: fmt.Sprintf(format, args...)})
}

// Start runs the workflow in its own goroutine. The channel is closed after the EventDone.
// The caller must read the channel until it is closed.
func (wf *Workflow) Start(ctx context.Context, criteria common.SearchCriteria) <-chan common.Event {
	events := make(chan common.Event, wf.EventBuffer)
	go func() {
		defer close(events)
		wf.Run(ctx, criteria, events)
	}()
	return events
}

// Run searches the products matching the criteria and processes them sequentially.
// A failing product is skipped, only a search or an authentication failure stops the run.
// The last event is always an EventDone. Cancellation is checked between products and bands.
func (wf *Workflow) Run(ctx context.Context, criteria common.SearchCriteria, events chan<- common.Event) {
	ctx = log.With(ctx, "run", uuid.New().String())
	e := emitter{events: events}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Logger(ctx).Error("panic", zap.Any("recover", r), zap.ByteString("stack", debug.Stack()))
			e.failure(ctx, common.StatusDONE, common.StageNone, -1, "Critical error: %v", r)
		}
		metrics.RunDuration.Observe(time.Since(start).Seconds())
		e.emit(ctx, common.Event{Kind: common.EventDone, Status: common.StatusDONE, Index: -1, Message: "Run complete"})
	}()

	if !wf.acquire(ctx, e) {
		e.failure(ctx, common.StatusDONE, common.StageNone, -1, "Run cancelled: %v", ctx.Err())
		return
	}
	defer wf.release()

	e.progress(ctx, common.StatusSEARCHING, -1, "Starting query...")
	products, err := wf.Catalog.SearchProducts(ctx, criteria)
	if err != nil {
		e.failure(ctx, common.StatusSEARCHING, common.StageSearch, -1, "Search failed: %v", err)
		return
	}
	if len(products) == 0 {
		e.progress(ctx, common.StatusNORESULTS, -1, "No products match the given criteria.")
		return
	}
	e.progress(ctx, common.StatusSEARCHING, -1, "%d products found.", len(products))

	e.progress(ctx, common.StatusAUTHENTICATING, -1, "Authenticating...")
	session, err := wf.Authenticator.Authenticate(ctx)
	if err != nil {
		log.Logger(ctx).Warn("authentication", zap.Error(err))
		e.failure(ctx, common.StatusAUTHENTICATING, common.StageAuth, -1, "Authentication failed!")
		return
	}
	e.progress(ctx, common.StatusAUTHENTICATING, -1, "Authentication successful.")

	for i, product := range products {
		if err := ctx.Err(); err != nil {
			e.failure(ctx, common.StatusDONE, common.StageNone, i, "Run cancelled: %v", err)
			return
		}
		pc := &productContext{index: i, total: len(products), product: product, session: session}
		wf.processProduct(productLogContext(ctx, product), e, pc)
	}
}

// productLogContext adds the product, its tile and its sensing date to the logger
func productLogContext(ctx context.Context, product common.Product) context.Context {
	ctx = log.With(ctx, "product", product.SourceID())
	info, err := common.Info(product.Name)
	if err != nil {
		return ctx
	}
	return log.With(log.With(ctx, "tile", info["TILE"]), "date", info["DATE"])
}

// skip reports that the product will not be composited
func (wf *Workflow) skip(ctx context.Context, e emitter, pc *productContext, err error) {
	stage := service.FailureStage(err)
	metrics.Products.WithLabelValues(metrics.OutcomeSkipped, stage.String()).Inc()
	e.emit(ctx, common.Event{
		Kind:    common.EventSkipped,
		Status:  common.StatusSKIPPED,
		Stage:   stage,
		Index:   pc.index,
		Message: fmt.Sprintf("Skipping %s: %v", pc.product.Name, err),
	})
}

func (wf *Workflow) processProduct(ctx context.Context, e emitter, pc *productContext) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger(ctx).Error("panic", zap.Any("recover", r), zap.ByteString("stack", debug.Stack()))
			wf.skip(ctx, e, pc, fmt.Errorf("Critical error: %v", r))
		}
	}()
	e.progress(ctx, common.StatusDOWNLOADING, pc.index, "Processing (%d/%d): %s", pc.index+1, pc.total, pc.product.Name)

	var err error
	if pc.assets, err = wf.Metadata.FetchMetadata(ctx, pc.session, pc.product); err != nil {
		wf.skip(ctx, e, pc, err)
		return
	}

	var downloadErr error
	for _, asset := range pc.assets {
		if err := ctx.Err(); err != nil {
			wf.skip(ctx, e, pc, service.NewFailure(common.StageDownload, err))
			return
		}
		e.progress(ctx, common.StatusDOWNLOADING, pc.index, "Downloading: %s...", asset.Filename())
		path, cached, err := wf.Bands.DownloadBand(ctx, pc.session, pc.product, asset)
		if err != nil {
			e.failure(ctx, common.StatusDOWNLOADING, common.StageDownload, pc.index, "Download failed: %s: %v", asset.Filename(), err)
			downloadErr = service.MergeErrors(true, downloadErr, err)
			continue
		}
		if cached {
			e.progress(ctx, common.StatusDOWNLOADING, pc.index, "Found in cache: %s", asset.Filename())
		} else {
			e.progress(ctx, common.StatusDOWNLOADING, pc.index, "Download complete.")
		}
		pc.bands = append(pc.bands, path)
	}
	if downloadErr != nil {
		wf.skip(ctx, e, pc, service.NewFailure(common.StageDownload, fmt.Errorf("%d/%d bands downloaded: %w", len(pc.bands), len(pc.assets), downloadErr)))
		return
	}

	out, err := wf.Compositor.Composite(ctx, pc.bands, pc.index)
	if err != nil {
		wf.skip(ctx, e, pc, err)
		return
	}
	metrics.Products.WithLabelValues(metrics.OutcomeComposited, "").Inc()
	e.emit(ctx, common.Event{Kind: common.EventImageReady, Status: common.StatusCOMPOSITED, Index: pc.index, Path: out})

	if wf.Storage != nil {
		uri, err := wf.Storage.SaveComposite(ctx, out)
		if err != nil {
			e.failure(ctx, common.StatusCOMPOSITED, common.StagePublish, pc.index, "Publication of %s failed: %v", filepath.Base(out), err)
			return
		}
		e.progress(ctx, common.StatusCOMPOSITED, pc.index, "Published: %s", uri)
	}
}
