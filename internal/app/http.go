package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const httpShutdownTimeout = 5 * time.Second

var registerRuntimeCollectorsOnce sync.Once

type httpServer struct {
	name string
	srv  *http.Server
	lis  net.Listener
}

// httpServers listens on the configured metrics and pprof addresses. Empty
// addresses are skipped.
func (a *App) httpServers() ([]httpServer, error) {
	var out []httpServer
	closeAll := func() {
		for _, hs := range out {
			_ = hs.lis.Close()
		}
	}

	if a.config.MetricsAddr != "" {
		mux, err := metricsMux()
		if err != nil {
			return nil, err
		}
		hs, err := listenHTTP("metrics", a.config.MetricsAddr, mux)
		if err != nil {
			return nil, err
		}
		out = append(out, hs)
	}
	if a.config.PprofAddr != "" {
		hs, err := listenHTTP("pprof", a.config.PprofAddr, pprofMux())
		if err != nil {
			closeAll()
			return nil, err
		}
		out = append(out, hs)
	}
	return out, nil
}

func listenHTTP(name, addr string, handler http.Handler) (httpServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return httpServer{}, fmt.Errorf("listen %s %s: %w", name, addr, err)
	}
	return httpServer{
		name: name,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		lis: lis,
	}, nil
}

func metricsMux() (*http.ServeMux, error) {
	var regErr error
	registerRuntimeCollectorsOnce.Do(func() {
		for _, c := range []prometheus.Collector{
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			if err := prometheus.DefaultRegisterer.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					regErr = fmt.Errorf("metrics register runtime collector: %w", err)
					return
				}
			}
		}
	})
	if regErr != nil {
		return nil, regErr
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux, nil
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.Handle("/debug/pprof/"+name, pprof.Handler(name))
	}
	return mux
}

func shutdownHTTPServer(srv *http.Server, logger Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn(name+" shutdown failed", "error", err)
	}
}
