// Command gateway runs a minimal B2BUA: every inbound INVITE is bridged to
// a single configured destination, the way the teacher's cmd/proxysip runs
// a single configured proxy destination.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sipstack/sipstack/b2bua"
	"github.com/sipstack/sipstack/core"
	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/transport"
)

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:5060", "UDP address to listen on")
	dst := flag.String("dst", "127.0.0.1:5070", "Destination host:port every inbound INVITE is bridged to")
	metricsAddr := flag.String("metrics", ":8080", "HTTP address serving /metrics")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	dstHost, dstPort, err := splitHostPort(*dst)
	if err != nil {
		log.Error("invalid -dst", "err", err)
		os.Exit(1)
	}

	layer := transport.NewLayer(transport.WithLayerLogger(log))
	tp, err := layer.ListenUDP(*listenAddr)
	if err != nil {
		log.Error("listen udp", "err", err)
		os.Exit(1)
	}
	log.Info("listening", "addr", tp.LocalAddr().String(), "dst", *dst)

	c := core.New(layer, core.Config{
		LocalContact: sip.Uri{Host: *listenAddr},
	}, core.Callbacks{}, log)

	b := b2bua.New(c, b2bua.Hooks{
		InviteRequestReceived: func(s *b2bua.Session, fwd *sip.Request) b2bua.InviteRequestResult {
			fwd.Recipient = sip.Uri{User: fwd.Recipient.User, Host: dstHost, Port: dstPort}
			return b2bua.InviteRequestResult{Request: fwd}
		},
	}, log)
	c.SetCallbacks(b.CoreCallbacks())

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		log.Info("metrics server listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Error("metrics server", "err", err)
		}
	}()

	if err := c.Run(context.Background()); err != nil {
		log.Error("core run", "err", err)
		os.Exit(1)
	}
}
