package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "klingspv"

// registerMetrics fills the node's private registry: runtime collectors,
// scheduler and RPC counters, and gauges read straight from the chain and
// peer set.
func (n *Node) registerMetrics() error {
	reg := n.registry
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return err
	}
	if err := n.syncMetrics.Register(reg); err != nil {
		return err
	}
	if n.rpcServer != nil {
		if err := n.rpcServer.Metrics().Register(reg); err != nil {
			return err
		}
	}

	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "chain",
			Name:      "headers",
			Help:      "Headers stored across all branches, genesis included.",
		}, func() float64 { return float64(n.ch.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "chain",
			Name:      "tips",
			Help:      "Branch tips currently tracked.",
		}, func() float64 { return float64(len(n.ch.Tips())) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "chain",
			Name:      "view_version",
			Help:      "Version of the published active chain view.",
		}, func() float64 { return float64(n.ch.View().Version()) }),
	}
	if n.p2pNode != nil {
		gauges = append(gauges, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "p2p",
			Name:      "peers",
			Help:      "Connected peers.",
		}, func() float64 { return float64(n.p2pNode.PeerCount()) }))
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	n.syncMetrics.ActiveHeight.Set(float64(n.ch.ActiveChainHeight()))
	return nil
}

// startMetrics serves /metrics on the configured address.
func (n *Node) startMetrics() error {
	ln, err := net.Listen("tcp", n.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	n.metricsLn = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{Registry: n.registry}))
	n.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := n.metricsSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			n.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	n.logger.Info().Str("addr", ln.Addr().String()).Msg("Prometheus exporter started on /metrics")
	return nil
}

func (n *Node) stopMetrics() {
	if n.metricsSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.metricsSrv.Shutdown(ctx)
}
