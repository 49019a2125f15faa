package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airbusgeo/godal"
	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/airbusgeo/s2-quicklook/common"
	"github.com/airbusgeo/s2-quicklook/downloader"
	"github.com/airbusgeo/s2-quicklook/interface/catalog/copernicus"
	"github.com/airbusgeo/s2-quicklook/interface/provider"
	"github.com/airbusgeo/s2-quicklook/processor"
	"github.com/airbusgeo/s2-quicklook/service"
	"github.com/airbusgeo/s2-quicklook/service/cache"
	"github.com/airbusgeo/s2-quicklook/service/log"
	"github.com/airbusgeo/s2-quicklook/service/metrics"
	"github.com/airbusgeo/s2-quicklook/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "quicklook",
		Short:         "Sentinel-2 L1C true-colour quicklooks from the Copernicus Data Space",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "TOML configuration file (optional)")
	root.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().String("cache-dir", "", "directory of the downloaded files (default $HOME)")
	root.PersistentFlags().String("output-dir", "", "directory of the composites (default $HOME)")
	root.PersistentFlags().String("storage-uri", "", "publish the composites to a directory, gs://bucket/prefix or s3://bucket/prefix (optional)")
	root.PersistentFlags().String("catalog-url", "", "root of the OData catalog")
	root.PersistentFlags().String("auth-url", "", "token endpoint of the identity service")
	root.PersistentFlags().Int("window-size", processor.DefaultWindowSize, "side of the composite, in pixels")
	root.PersistentFlags().Uint64("seed", 0, "seed of the window offsets (0: random)")

	load := func(cmd *cobra.Command) (*config, error) {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return nil, err
		}
		if err := applyFlags(cmd, cfg); err != nil {
			return nil, err
		}
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(newRunCmd(load), newServeCmd(load))
	return root
}

func newRunCmd(load func(*cobra.Command) (*config, error)) *cobra.Command {
	var start, end, cloud, lat, lon string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Search, download and composite the products, printing the status on stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			criteria, err := common.ParseSearchCriteria(start, end, cloud, lat, lon)
			if err != nil {
				return err
			}
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			wf, closer, err := newWorkflow(ctx, cfg)
			if err != nil {
				return err
			}
			defer closer()
			return runWorkflow(ctx, wf, criteria, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "start date (exclusive), e.g. 2023-01-01")
	cmd.Flags().StringVar(&end, "end", "", "end date (exclusive), e.g. 2023-01-30")
	cmd.Flags().StringVar(&cloud, "cloud", "", "maximum cloud cover, in [0, 100]")
	cmd.Flags().StringVar(&lat, "lat", "", "latitude of the point of interest")
	cmd.Flags().StringVar(&lon, "lon", "", "longitude of the point of interest")
	for _, name := range []string{"start", "end", "cloud", "lat", "lon"} {
		cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newServeCmd(load func(*cobra.Command) (*config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the quicklook api over http",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			wf, closer, err := newWorkflow(ctx, cfg)
			if err != nil {
				return err
			}
			defer closer()
			return serve(ctx, wf, cfg)
		},
	}
	cmd.Flags().String("listen", ":8080", "address of the http server")
	return cmd
}

// newWorkflow wires the components. The returned func releases the cache.
func newWorkflow(ctx context.Context, cfg *config) (*workflow.Workflow, func() error, error) {
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return nil, nil, err
	}
	godal.RegisterAll()

	client := service.NewHTTPClient(service.HTTPTimeouts{Connect: cfg.ConnectTimeout.Duration, Read: cfg.ReadTimeout.Duration})

	c, err := cache.Open(cfg.CacheDir)
	if err != nil {
		return nil, nil, fmt.Errorf("cache.Open: %w", err)
	}
	d := downloader.New(cfg.CatalogURL, c)
	d.Bands = cfg.Bands

	compositor := processor.NewCompositor(cfg.OutputDir, cfg.Seed)
	compositor.WindowSize = cfg.WindowSize
	compositor.Gain = cfg.Gain
	compositor.ReflectanceScale = cfg.ReflectanceScale

	catalog := &copernicus.Provider{BaseURL: cfg.CatalogURL, Client: client, PageSize: cfg.PageSize}
	auth := &provider.CopernicusAuthenticator{
		TokenURL:     cfg.AuthURL,
		ClientID:     cfg.ClientID,
		Username:     cfg.Username,
		Password:     cfg.Password,
		HTTPClient:   client,
		MaxRedirects: cfg.MaxRedirects,
	}
	if cfg.Username == "" || cfg.Password == "" {
		log.Logger(ctx).Sugar().Warnf("credentials are not configured (%sUSERNAME, %sPASSWORD): runs will fail at authentication", EnvPrefix, EnvPrefix)
	}

	var storage service.Storage
	if cfg.StorageURI != "" {
		ss, err := service.NewStorageStrategy(ctx, cfg.StorageURI, service.S3Options{
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			c.Close()
			return nil, nil, err
		}
		log.Logger(ctx).Sugar().Infof("composites are published to %s", ss.URI())
		storage = ss
	}

	return workflow.NewWorkflow(catalog, auth, d, compositor, storage), c.Close, nil
}

// runWorkflow runs the workflow and prints its status lines on out
func runWorkflow(ctx context.Context, wf *workflow.Workflow, criteria common.SearchCriteria, out io.Writer) error {
	events := make(chan common.Event, wf.EventBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		wf.Run(gctx, criteria, events)
		return nil
	})
	g.Go(func() error {
		var werr error
		for event := range events {
			if werr != nil {
				continue
			}
			if _, err := fmt.Fprintln(out, event.String()); err != nil {
				werr = fmt.Errorf("runWorkflow: %w", err)
			}
		}
		return werr
	})
	return g.Wait()
}

func serve(ctx context.Context, wf *workflow.Workflow, cfg *config) error {
	metrics.Register()
	router := wf.NewHandler(cfg.OutputDir)
	s := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handlers.RecoveryHandler()(handlers.CombinedLoggingHandler(os.Stdout, router)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Logger(ctx).Sugar().Infof("listening on %s", cfg.Listen)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
