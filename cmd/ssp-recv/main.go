package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/mosh-ssp/ssp/internal/logging"
	"github.com/mosh-ssp/ssp/internal/metrics"
	"github.com/mosh-ssp/ssp/internal/state"
	"github.com/mosh-ssp/ssp/internal/transport"
	"github.com/mosh-ssp/ssp/receiver"
)

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagLogLevel != "" {
		logging.ApplyDirectives(flagLogLevel)
	}

	log := logging.DefaultLogger.WithTag("receiver")

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(flagBindHost), Port: flagBindPort})
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	log.Info("listening on %v", conn.LocalAddr())

	// The peer is usually learned from the first inbound packet; a
	// configured peer just means acks have somewhere to go from the start.
	var peerAddr net.Addr
	if flagPeerHost != "" && flagPeerPort != 0 {
		peerAddr, err = net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", flagPeerHost, flagPeerPort))
		if err != nil {
			log.Fatalf("resolve peer address: %v", err)
		}
	}

	metr := metrics.New("receiver")
	if flagMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metr)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
				log.Error("metrics server: %v", err)
			}
		}()
	}

	tp := transport.New(conn, transport.RoleReceiver, peerAddr, clockwork.NewRealClock(), log, metr)
	tp.SetSignalStrength(flagSignalDBM)

	rcv := receiver.New(tp, clockwork.NewRealClock(), log, metr)
	if !flagQuiet {
		rcv.OnApply = func(s string, num state.Num) {
			fmt.Printf("%d\t%s\n", num, s)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := rcv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("receive loop: %v", err)
	}

	stats := rcv.Stats()
	fmt.Printf("received=%d discarded=%d discard_pct=%.1f\n",
		stats.TotalPacketsReceived, stats.PacketsDiscarded, stats.DiscardPercentage)
}
