//go:build darwin

// Command quicudp-echo starts a single UDP echo Binding on the datapath
// and bounces every datagram back to its sender, exercising the
// connectionless receive/SendFromTo path end to end. Only failed echoes
// are logged.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Global19-atlassian-net/quicudp/datapath"
	"github.com/Global19-atlassian-net/quicudp/internal/addr"
	"github.com/Global19-atlassian-net/quicudp/internal/metrics"
)

func main() {
	port := flag.Int("port", 4433, "UDP port to listen on")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	log := logrus.WithField("cmd", "quicudp-echo")

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	go serveMetrics(log, *metricsAddr, registry)

	dp, err := datapath.Initialize(0, echoHandler(log), nil,
		datapath.WithProcessorCount(1),
		datapath.WithMetrics(collector),
	)
	if err != nil {
		log.WithError(err).Fatal("datapath init failed")
	}
	defer dp.Uninitialize()

	local := addr.Addr{Family: addr.FamilyINET, Port: uint16(*port)}
	b, err := datapath.BindingCreate(dp, &local, nil, nil)
	if err != nil {
		log.WithError(err).Fatal("binding create failed")
	}
	defer datapath.BindingDelete(b)

	log.WithFields(logrus.Fields{"binding": b.ID, "local": b.GetLocalAddress().String()}).Info("listening")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	log.Info("shutting down")
}

// serveMetrics runs the /metrics endpoint until the process exits, matching
// the teacher pack's convention of a standalone prometheus.Collector
// (internal/metrics) fed by client_golang's own promhttp handler rather
// than a hand-rolled one (DESIGN.md).
func serveMetrics(log *logrus.Entry, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics server exited")
	}
}

func echoHandler(log *logrus.Entry) datapath.RecvHandler {
	return func(b *datapath.Binding, _ any, chain *datapath.RecvDatagram) {
		defer datapath.ReturnRecvDatagrams(chain)

		for d := chain; d != nil; d = d.Next {
			local, remote := d.Tuple.Local, d.Tuple.Remote
			ctx := datapath.AllocSendContext(b, len(d.Buffer))
			if ctx == nil {
				log.Warn("send context pool exhausted, dropping echo")
				continue
			}

			buf := datapath.AllocSendDatagram(ctx, len(d.Buffer))
			if buf == nil {
				datapath.FreeSendContext(ctx)
				continue
			}
			copy(buf, d.Buffer)

			// This binding has no fixed remote (it answers arbitrary
			// clients), so the reply must pin its source via
			// SendFromTo rather than rely on a connect()ed socket.
			if err := datapath.SendFromTo(b, local, remote, ctx); err != nil {
				log.WithError(err).WithField("remote", remote.String()).Warn("echo send failed")
			}
		}
	}
}
