package downloader

import (
	"context"
	"fmt"

	"github.com/airbusgeo/s2-quicklook/common"
	"github.com/airbusgeo/s2-quicklook/service"
)

// DownloadBand returns the local path of the band file, downloading it if it is not in the cache.
// A cached file is used as is, without any request.
func (d *Downloader) DownloadBand(ctx context.Context, session Fetcher, product common.Product, asset common.BandAsset) (string, bool, error) {
	filename := asset.Filename()
	if filename == "" || len(asset.NodeSegments()) == 0 {
		return "", false, service.NewFailure(common.StageDownload, fmt.Errorf("DownloadBand: invalid asset %v", asset.Segments))
	}
	localPath, cached, err := d.fetchToCache(ctx, session, product, filename, d.nodeURL(product, asset.NodeSegments()...))
	if err != nil {
		return "", false, service.NewFailure(common.StageDownload, fmt.Errorf("DownloadBand.%w", err))
	}
	return localPath, cached, nil
}
