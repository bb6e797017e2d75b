package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	errors "golang.org/x/xerrors"

	"github.com/mosh-ssp/ssp/internal/logging"
	"github.com/mosh-ssp/ssp/internal/metrics"
	"github.com/mosh-ssp/ssp/internal/transport"
	"github.com/mosh-ssp/ssp/internal/wireerr"
	"github.com/mosh-ssp/ssp/sender"
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
	if flagPeerHost == "" || flagPeerPort == 0 {
		fmt.Fprintln(os.Stderr, "ssp-send: --peer-host and --peer-port are required")
		os.Exit(1)
	}

	log := logging.DefaultLogger.WithTag("sender")

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(flagBindHost), Port: flagBindPort})
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	peerAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", flagPeerHost, flagPeerPort))
	if err != nil {
		log.Fatalf("resolve peer address: %v", err)
	}

	metr := metrics.New("sender")
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

	tp := transport.New(conn, transport.RoleSender, peerAddr, clockwork.NewRealClock(), log, metr)
	tp.SetSignalStrength(flagSignalDBM)

	snd := sender.New(tp, sender.Config{Lambda: flagLambda, Seed: flagSeed}, clockwork.NewRealClock(), log, metr)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down: %d packets sent", metr.Snapshot().PacketsSent)
		cancel()
	}()

	// Drain acks in the background so the inflight tracker and RTO
	// estimate stay current while the local-input loop below drives sends.
	// Timeouts and malformed packets are recoverable; anything else is a
	// broken socket, which takes the whole process down.
	go func() {
		for {
			instr, err := tp.Recv(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, wireerr.ErrSocketTimeout) ||
					errors.Is(err, wireerr.ErrMalformedHeader) ||
					errors.Is(err, wireerr.ErrMalformedInstruction) {
					log.Warn("recv: %v", err)
					continue
				}
				log.Error("recv: %v", err)
				cancel()
				return
			}
			snd.OnReceive(instr.AckNum)
		}
	}()

	runLocalInput(ctx, snd, log)

	snap := metr.Snapshot()
	fmt.Printf("sent=%d received=%d discarded=%d\n", snap.PacketsSent, snap.PacketsReceived, snap.PacketsDiscarded)
}

// runLocalInput is the local producer feeding the protocol core: it reads
// lines from --script (or stdin, absent a script) and hands each to
// sender.SendMessage at --interval.
func runLocalInput(ctx context.Context, snd *sender.Sender, log *logging.Logger) {
	var src *os.File
	if flagScript != "" {
		f, err := os.Open(flagScript)
		if err != nil {
			log.Fatalf("open --script: %v", err)
		}
		defer f.Close()
		src = f
	} else {
		src = os.Stdin
	}

	interval := time.Duration(flagInterval) * time.Millisecond
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if err := snd.SendMessage(line); err != nil {
			log.Error("send_message: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
