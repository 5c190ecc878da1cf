// Command server runs an example echo server on top of the reliable
// byte-stream transport in pkg/tcp, wired to an in-process simulated
// network so it can be driven without root privileges or a real NIC.
//
// Usage:
//
//	go run ./cmd/server -addr 10.0.0.1 -port 9000 -metrics-addr :9100
package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/arjunk-dev/rdt/pkg/common"
	"github.com/arjunk-dev/rdt/pkg/network"
	"github.com/arjunk-dev/rdt/pkg/tcp"
)

var (
	listenAddr  = flag.String("addr", "10.0.0.1", "IPv4 address to listen on")
	listenPort  = flag.Int("port", 9000, "port to listen on")
	metricsAddr = flag.String("metrics-addr", ":9100", "address to serve Prometheus metrics on")
)

func main() {
	flag.Parse()

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	addr, err := common.ParseIPv4(*listenAddr)
	if err != nil {
		log.WithError(err).Fatal("invalid -addr")
	}

	metrics := tcp.NewMetrics("rdt")
	prometheus.MustRegister(metrics.Collectors()...)

	net := network.NewSimNetwork()

	srv := tcp.NewServer(net, addr, uint16(*listenPort), tcp.ServerConfig{
		Metrics: metrics,
		Logger:  log,
	})

	srv.RegisterAcceptMonitor(func(conn *tcp.Connection) {
		log.WithFields(logrus.Fields{
			"remote_addr": conn.RemoteAddr.String(),
			"remote_port": conn.RemotePort,
		}).Info("accepted connection, echoing input")

		conn.RegisterReceiver(func(c *tcp.Connection, payload []byte) {
			if len(payload) == 0 {
				log.Info("peer closed, half-closing in turn")
				c.Close()
				return
			}
			if err := c.Send(payload); err != nil {
				log.WithError(err).Warn("echo send failed")
			}
		})
	})

	if err := srv.Listen(); err != nil {
		log.WithError(err).Fatal("failed to start listening")
	}
	log.WithFields(logrus.Fields{"addr": addr.String(), "port": *listenPort}).Info("listening")

	http.Handle("/metrics", promhttp.Handler())
	log.WithField("metrics_addr", *metricsAddr).Info("serving metrics")
	if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
		log.WithError(err).Error("metrics server stopped")
		os.Exit(1)
	}
}
