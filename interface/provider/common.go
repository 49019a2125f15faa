package provider

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/airbusgeo/s2-quicklook/service"
	"github.com/airbusgeo/s2-quicklook/service/log"
	"github.com/cavaliercoder/grab"
	"github.com/google/uuid"
)

// ChunkSize is the size of the buffer used to stream the files to disk
const ChunkSize = 8192

// ErrProductNotFound is an error returned when a product is not found or available
type ErrProductNotFound struct {
	Product string
}

func (e ErrProductNotFound) Error() string {
	return fmt.Sprintf("Product not found or unavailable: %s", e.Product)
}

func fmtBytes(bytes int64) string {
	v := float64(bytes)
	switch {
	case v > 1<<30:
		return fmt.Sprintf("%.2fGo", v/(1<<30))
	case v > 1<<20:
		return fmt.Sprintf("%.2fMo", v/(1<<20))
	case v > 1<<10:
		return fmt.Sprintf("%.2fko", v/(1<<10))
	default:
		return fmt.Sprintf("%.2fo", v)
	}
}

func displayProgress(ctx context.Context, prefix string, resp *grab.Response, progressPeriod float64) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	progress, lastBytes, seconds := 0.0, int64(0), int64(0)
	for {
		select {
		case <-t.C:
			seconds++
			if resp.Progress() > progress {
				log.Logger(ctx).Sugar().Debugf("%s: %.2f%% %s/%s (%s/s)", prefix, 100*resp.Progress(), fmtBytes(resp.BytesComplete()), fmtBytes(resp.Size), fmtBytes((resp.BytesComplete()-lastBytes)/seconds))
				seconds = 0
				progress += progressPeriod
				lastBytes = resp.BytesComplete()
			}

		case <-resp.Done:
			return
		}
	}
}

func checkRedirectAndCopyAuth(req *http.Request, via []*http.Request) error {
	if len(via) >= DefaultMaxRedirects {
		return fmt.Errorf("stopped after %d redirects", DefaultMaxRedirects)
	}
	if auth, ok := via[0].Header["Authorization"]; ok {
		req.Header.Set("Authorization", auth[0])
	}
	return nil
}

// download streams url to dst in chunks of ChunkSize, with a display every progressPeriod.
// Nothing is left at dst if the download fails.
func download(ctx context.Context, httpClient *http.Client, url, dst string, progressPeriod float64) (int64, error) {
	tmp := filepath.Join(filepath.Dir(dst), "."+uuid.New().String()+".part")
	req, err := grab.NewRequest(tmp, url)
	if err != nil {
		return 0, fmt.Errorf("download.NewRequest: %w", err)
	}
	req.BufferSize = ChunkSize
	req.NoResume = true
	req = req.WithContext(ctx)

	client := grab.NewClient()
	client.HTTPClient = httpClient
	resp := client.Do(req)

	displayProgress(ctx, filepath.Base(dst), resp, progressPeriod)

	if err := resp.Err(); err != nil {
		os.Remove(tmp)
		err = fmt.Errorf("download[%s]: %w", url, err)
		if resp.HTTPResponse == nil {
			return 0, service.MakeTemporary(err)
		}
		switch resp.HTTPResponse.StatusCode {
		case 408, 429, 500, 501, 502, 503, 504:
			return 0, service.MakeTemporary(err)
		default:
			return 0, err
		}
	}
	if resp.HTTPResponse.StatusCode != http.StatusOK {
		os.Remove(tmp)
		return 0, fmt.Errorf("download[%s]: %s", url, resp.HTTPResponse.Status)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("download.Rename: %w", err)
	}
	return resp.BytesComplete(), nil
}
