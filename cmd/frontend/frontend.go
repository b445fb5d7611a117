// Command frontend runs the visual-inertial measurement front end: it reads
// inertial samples from a serial IMU (or a synthetic source in dev mode),
// accepts feature frames and relocalizations over gRPC, and streams
// odometry to gRPC clients and an optional sqlite recorder.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/vio.frontend/internal/config"
	"github.com/banshee-data/vio.frontend/internal/monitoring"
	"github.com/banshee-data/vio.frontend/internal/timeutil"
	"github.com/banshee-data/vio.frontend/internal/version"
	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/estimator"
	"github.com/banshee-data/vio.frontend/internal/vio/ingest"
	"github.com/banshee-data/vio.frontend/internal/vio/pipeline"
	"github.com/banshee-data/vio.frontend/internal/vio/publish"
	"github.com/banshee-data/vio.frontend/internal/vio/transport"
)

var (
	configPath = flag.String("config", "", "JSON config file (built-in defaults when empty)")
	devMode    = flag.Bool("dev", false, "Feed synthetic measurements instead of reading the serial IMU")
	listen     = flag.String("listen", "", "HTTP listen address for /metrics and /debug/ (overrides http_listen)")
	grpcListen = flag.String("grpc-listen", "", "gRPC listen address (overrides grpc_listen)")
	port       = flag.String("port", "", "Serial port of the IMU (overrides serial_path, ignored in dev mode)")
	recordPath = flag.String("record", "", "sqlite trajectory database (overrides recorder_path)")
	showVer    = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *devMode); err != nil {
		log.Fatalf("front end failed: %v", err)
	}
}

func loadConfig(path string) (*config.FrontendConfig, error) {
	if path == "" {
		return &config.FrontendConfig{}, nil
	}
	return config.LoadConfig(path)
}

// applyFlags copies non-empty command-line overrides into cfg.
func applyFlags(cfg *config.FrontendConfig) {
	for _, o := range []struct {
		flag string
		dst  **string
	}{
		{*listen, &cfg.HTTPListen},
		{*grpcListen, &cfg.GRPCListen},
		{*port, &cfg.SerialPath},
		{*recordPath, &cfg.RecorderPath},
	} {
		if o.flag != "" {
			v := o.flag
			*o.dst = &v
		}
	}
}

// estimatorConfig passes the resolved config values through unchanged.
func estimatorConfig(cfg *config.FrontendConfig) estimator.Config {
	return estimator.Config{
		Gravity:          cfg.GetGravity(),
		TimeOffset:       cfg.GetTimeOffset(),
		WarmupFrames:     cfg.GetWarmupFrames(),
		WindowSize:       cfg.GetWindowSize(),
		KeyframeDistance: cfg.GetKeyframeDistance(),
	}
}

// run wires the front end from cfg and blocks until ctx is cancelled and
// every component has stopped.
func run(ctx context.Context, cfg *config.FrontendConfig, dev bool) error {
	monitoring.SetLogger(log.Printf)
	log.Printf("starting %s", version.String())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)
	throttle := monitoring.NewThrottle(log.Printf, monitoring.ThrottleConfig{
		Interval: cfg.GetLogThrottleInterval(),
		Burst:    cfg.GetLogThrottleBurst(),
	})

	est, err := estimator.NewDeadReckoning(estimatorConfig(cfg))
	if err != nil {
		return fmt.Errorf("estimator: %w", err)
	}

	stream := publish.NewStream(cfg.GetStreamClientBuffer(), metrics)
	publishers := publish.Fanout{stream}
	var recorder *publish.Recorder
	if path := cfg.GetRecorderPath(); path != "" {
		recorder, err = publish.OpenRecorder(path, publish.RecorderOptions{Metrics: metrics})
		if err != nil {
			return fmt.Errorf("recorder: %w", err)
		}
		defer recorder.Close()
		publishers = append(publishers, recorder)
	}

	frontend, err := pipeline.New(pipeline.Options{
		Estimator: est,
		Publisher: publishers,
		Metrics:   metrics,
		Throttle:  throttle,
	})
	if err != nil {
		return err
	}
	frontend.RegisterStats("stream", func() any { return stream.Stats() })
	if recorder != nil {
		frontend.RegisterStats("recorder", func() any { return recorder.Stats() })
	}

	var source func(context.Context) error
	if dev {
		gen := ingest.NewSynthetic(ingest.SyntheticConfig{
			Gravity:    cfg.GetGravity().Z,
			NumCameras: cfg.GetNumCameras(),
		})
		source = func(ctx context.Context) error {
			return gen.Run(ctx, frontend, timeutil.RealClock{})
		}
		log.Printf("dev mode: feeding synthetic measurements")
	} else {
		p, err := ingest.OpenSerial(cfg.GetSerialPath(), ingest.PortOptions{BaudRate: cfg.GetSerialBaudRate()})
		if err != nil {
			return fmt.Errorf("failed to open IMU port: %w", err)
		}
		src := ingest.NewSerialSource(p, frontend, throttle)
		defer src.Close()
		frontend.RegisterStats("serial", func() any { return src.Stats() })
		source = src.Monitor
	}

	grpcLis, err := net.Listen("tcp", cfg.GetGRPCListen())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GetGRPCListen(), err)
	}
	grpcSrv := transport.NewServer(frontend, stream, cfg.GetNumCameras())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	frontend.AttachAdminRoutes(mux)
	if recorder != nil {
		if err := recorder.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}
	server := &http.Server{
		Addr:              cfg.GetHTTPListen(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	goRoutine := func(name string, f func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, vio.ErrClosed) {
				log.Printf("%s: %v", name, err)
			}
			log.Printf("%s routine terminated", name)
		}()
	}

	goRoutine("worker", func() error { return frontend.Run(ctx) })
	goRoutine("stats", func() error {
		frontend.ReportStats(ctx, cfg.GetStatsInterval())
		return nil
	})
	goRoutine("source", func() error { return source(ctx) })
	goRoutine("grpc", func() error {
		return grpcSrv.Serve(ctx, transport.NewGRPCServer(grpcSrv), grpcLis)
	})
	goRoutine("http", func() error {
		errc := make(chan error, 1)
		go func() {
			log.Printf("HTTP server listening on %s", server.Addr)
			errc <- server.ListenAndServe()
		}()
		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	wg.Wait()
	log.Printf("front end stopped, session %s: %+v", frontend.SessionID(), frontend.Stats())
	return nil
}
