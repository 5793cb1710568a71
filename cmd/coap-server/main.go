// coap-server is a CoAP server exposing a few demo resources.
//
// Usage:
//
//	coap-server [options]
//
// Options:
//
//	-listen     UDP listen address (default: ":5683")
//	-metrics    HTTP address for Prometheus metrics (default: disabled)
//	-advertise  Advertise _coap._udp over mDNS
//	-env-file   File of COAP_* settings loaded before the environment
//	-log-level  trace, debug, info, warn, error or disabled (default: info)
//
// Resources:
//
//	/echo   PUT/POST store and echo the payload, GET returns the last value
//	/large  1500-byte body, served blockwise
//	/time   observable current time, notified every second
//
// Example:
//
//	coap-server -listen :5683 -metrics :9100 -advertise
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/backkem/coap/pkg/config"
	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/joho/godotenv"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// options holds the command-line flags.
type options struct {
	listen    string
	metrics   string
	advertise bool
	envFile   string
	logLevel  string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("coap-server", flag.ContinueOnError)
	fs.StringVar(&o.listen, "listen", fmt.Sprintf(":%d", discovery.ServiceTypeCoAP.DefaultPort()), "UDP listen address")
	fs.StringVar(&o.metrics, "metrics", "", "HTTP address for Prometheus metrics (empty = disabled)")
	fs.BoolVar(&o.advertise, "advertise", false, "Advertise _coap._udp over mDNS")
	fs.StringVar(&o.envFile, "env-file", "", "File of COAP_* settings")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("coap-server: %v", err)
	}
}

func run(ctx context.Context, opts options) error {
	if opts.envFile != "" {
		// Variables already in the environment take precedence.
		if err := godotenv.Load(opts.envFile); err != nil {
			return fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	}
	settings, err := config.FromEnv()
	if err != nil {
		return err
	}
	lf, err := config.NewLoggerFactory(opts.logLevel)
	if err != nil {
		return err
	}
	logger := lf.NewLogger("coap-server")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.DefaultNamespace, reg)

	res := newResources()
	ep, err := endpoint.New(endpoint.Config{
		ListenAddr:    opts.listen,
		Settings:      settings,
		Handler:       res.mux(),
		LoggerFactory: lf,
		Metrics:       m,
	})
	if err != nil {
		return err
	}
	if err := ep.Start(); err != nil {
		return err
	}
	logger.Infof("listening on %s", ep.LocalAddr())

	var adv *discovery.Advertiser
	if opts.advertise {
		if adv, err = newAdvertiser(ep.LocalAddr(), lf); err != nil {
			ep.Stop()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return ep.Stop()
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := res.notifyTime(ep); n > 0 {
					logger.Tracef("notified %d /time observers", n)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	if opts.metrics != "" {
		srv := &http.Server{
			Addr:              opts.metrics,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Infof("serving metrics on %s/metrics", opts.metrics)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if adv != nil {
		txt := discovery.ServiceTXT{
			ResourceTypes: []string{"core.s"},
			MaxSize:       settings.MaxMessageSize,
		}
		g.Go(func() error {
			return adv.Run(ctx, discovery.ServiceTypeCoAP, txt)
		})
	}

	return g.Wait()
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// newAdvertiser creates an advertiser for the port the endpoint is bound to.
func newAdvertiser(addr net.Addr, lf logging.LoggerFactory) (*discovery.Advertiser, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	return discovery.NewAdvertiser(discovery.AdvertiserConfig{
		Port:          port,
		LoggerFactory: lf,
	})
}
