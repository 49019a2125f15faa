package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/airbusgeo/s2-quicklook/common"
	"github.com/airbusgeo/s2-quicklook/interface/catalog/copernicus"
	"github.com/airbusgeo/s2-quicklook/interface/provider"
	"github.com/airbusgeo/s2-quicklook/service"
	"github.com/airbusgeo/s2-quicklook/service/cache"
	"github.com/airbusgeo/s2-quicklook/service/metrics"
)

// Fetcher streams a remote resource to a local file (implemented by provider.Session)
type Fetcher interface {
	Fetch(ctx context.Context, url, dst string) (int64, error)
}

// Downloader retrieves the descriptor and the bands of the products, through the cache
type Downloader struct {
	CatalogURL string // Root of the OData API, serving the nodes of the products
	Cache      *cache.Cache
	Bands      []string // common.DefaultBands if empty
}

// New creates a downloader of the default bands
func New(catalogURL string, c *cache.Cache) *Downloader {
	if catalogURL == "" {
		catalogURL = copernicus.CopernicusODataURL
	}
	return &Downloader{CatalogURL: catalogURL, Cache: c}
}

func (d *Downloader) bands() []string {
	if len(d.Bands) == 0 {
		return common.DefaultBands
	}
	return d.Bands
}

// nodeURL returns the url of a file of the product, given its path segments inside the container
func (d *Downloader) nodeURL(product common.Product, segments ...string) string {
	return provider.NodeURL(d.CatalogURL, product.ID, append([]string{product.Name}, segments...)...)
}

// fetchToCache downloads url into the cache, unless filename is already cached for the product.
// Returns the local path and whether it was found in the cache.
func (d *Downloader) fetchToCache(ctx context.Context, session Fetcher, product common.Product, filename, url string) (string, bool, error) {
	localPath, ok := d.Cache.Lookup(product.ID, filename)
	if ok {
		return localPath, true, nil
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return "", false, service.MakeTemporary(fmt.Errorf("fetchToCache.MkdirAll: %w", err))
	}
	n, err := session.Fetch(ctx, url, localPath)
	if err != nil {
		return "", false, fmt.Errorf("fetchToCache[%s].%w", filename, err)
	}
	metrics.DownloadedBytes.Add(float64(n))
	if err := d.Cache.Commit(product.ID, filename); err != nil {
		return "", false, fmt.Errorf("fetchToCache.%w", err)
	}
	return localPath, false, nil
}
