package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/airbusgeo/s2-quicklook/common"
	"github.com/airbusgeo/s2-quicklook/service"
	"github.com/airbusgeo/s2-quicklook/service/log"
)

// MetadataCacheName returns the name of the cached descriptor of the product: <name>.SAFE_MTD.xml
func MetadataCacheName(product common.Product) string {
	return product.Name + "_MTD.xml"
}

// FetchMetadata returns the location of the bands of the product, read from its descriptor (downloaded or cached).
// Errors are Failures of the metadata stage: the product must be skipped.
func (d *Downloader) FetchMetadata(ctx context.Context, session Fetcher, product common.Product) ([]common.BandAsset, error) {
	mtdNode, err := common.MetadataFileName(product.Name)
	if err != nil {
		return nil, service.NewFailure(common.StageMetadata, fmt.Errorf("FetchMetadata.%w", err))
	}

	localPath, cached, err := d.fetchToCache(ctx, session, product, MetadataCacheName(product), d.nodeURL(product, mtdNode))
	if err != nil {
		return nil, service.NewFailure(common.StageMetadata, fmt.Errorf("FetchMetadata.%w", err))
	}
	if cached {
		log.Logger(ctx).Sugar().Debugf("metadata of %s found in cache: %s", product.Name, localPath)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, service.NewFailure(common.StageMetadata, fmt.Errorf("FetchMetadata.Open: %w", err))
	}
	defer f.Close()

	md, err := common.ParseProductMetadata(f)
	if err == nil {
		err = md.CheckProduct(product.Name)
	}
	if err != nil {
		if !errors.Is(err, common.ErrMetadataSchema) {
			// Not an xml document, or not the descriptor of the product: do not keep it in cache
			os.Remove(localPath)
		}
		return nil, service.NewFailure(common.StageMetadata, fmt.Errorf("FetchMetadata.%w", err))
	}
	assets, err := md.BandAssets(product.Name, d.bands())
	if err != nil {
		return nil, service.NewFailure(common.StageMetadata, fmt.Errorf("FetchMetadata.%w", err))
	}
	return assets, nil
}
