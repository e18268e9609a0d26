// Command rpchd runs the RPC-over-HTTP proxy daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/evermail/rpch/internal/date"
	"github.com/evermail/rpch/internal/pdu"
	"github.com/evermail/rpch/pkg/rpch"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	addr := flag.String("addr", "", "listen address, overrides the config file")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus endpoint, overrides the config file")
	dump := flag.Bool("dump-on-term", false, "dump live contexts to stderr on shutdown")
	flag.Parse()

	config := rpch.DefaultConfig()
	if *configPath != "" {
		var err error
		config, err = rpch.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		config.Addr = *addr
	}
	if *metricsAddr != "" {
		config.MetricsAddr = *metricsAddr
	}
	config.Logger = log.New(os.Stderr, "rpchd: ", log.LstdFlags)

	if err := run(config, *dump); err != nil {
		config.Logger.Fatal(err)
	}
}

func run(config rpch.Config, dumpOnTerm bool) error {
	stopDate := date.StartTicker()
	defer stopDate()

	server := rpch.New(config, echoOnlyCodec{})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	var metrics *http.Server
	if config.MetricsAddr != "" {
		metrics = &http.Server{
			Addr:              config.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		if dumpOnTerm {
			server.DumpContexts(os.Stderr)
		}
		server.ShutdownAsync()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if metrics != nil {
			_ = metrics.Shutdown(stopCtx)
		}
		return server.Stop(stopCtx)
	})

	return g.Wait()
}

// echoOnlyCodec accepts tunnel probes but terminates anything that needs a
// real RPC runtime behind it. Deployments embed the rpch package with their
// own codec; the standalone daemon answers echoes, which is enough for
// endpoint monitoring.
type echoOnlyCodec struct{}

func (echoOnlyCodec) RTSInput(s pdu.Session, frag []byte) (pdu.Outcome, pdu.Call) {
	return pdu.Terminate, nil
}

func (echoOnlyCodec) New(host string, port int) (pdu.Processor, error) {
	return nil, fmt.Errorf("rpchd: no RPC runtime configured")
}
