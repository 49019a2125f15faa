package workflow

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/airbusgeo/s2-quicklook/common"
	"github.com/airbusgeo/s2-quicklook/service/log"
)

// NewHandler returns the http api of the workflow. Composites are served from outputDir.
func (wf *Workflow) NewHandler(outputDir string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/quicklook", wf.QuicklookHandler).Methods("GET")
	r.HandleFunc("/images/{name}", ImageHandler(outputDir)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// QuicklookHandler runs the workflow and streams the status lines, one per event.
// Query parameters: start, end, cloud, lat, lon
func (wf *Workflow) QuicklookHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()
	criteria, err := common.ParseSearchCriteria(q.Get("start"), q.Get("end"), q.Get("cloud"), q.Get("lat"), q.Get("lon"))
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintf(w, "%v", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	flusher, _ := w.(http.Flusher)

	writeErr := false
	// The channel must be drained until the end of the run, even if the client is gone
	for event := range wf.Start(ctx, criteria) {
		if writeErr {
			continue
		}
		if _, err := fmt.Fprintln(w, event.String()); err != nil {
			log.Logger(ctx).Warn("QuicklookHandler", zap.Error(err))
			writeErr = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// ImageHandler serves the composites of the directory
func ImageHandler(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		name := mux.Vars(req)["name"]
		if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
			w.WriteHeader(400)
			return
		}
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			w.WriteHeader(404)
			return
		}
		http.ServeFile(w, req, path)
	}
}
