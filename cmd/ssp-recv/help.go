package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagBindHost    string
	flagBindPort    int
	flagPeerHost    string
	flagPeerPort    int
	flagSignalDBM   int8
	flagLogLevel    string
	flagMetricsAddr string
	flagQuiet       bool

	flagHelp bool
)

func init() {
	flag.StringVar(&flagBindHost, "bind-host", "0.0.0.0", "Local UDP bind address")
	flag.IntVar(&flagBindPort, "bind-port", 0, "Local UDP bind port (0 picks an ephemeral port)")
	flag.StringVar(&flagPeerHost, "peer-host", "", "Remote UDP peer address (optional; learned from the first packet)")
	flag.IntVar(&flagPeerPort, "peer-port", 0, "Remote UDP peer port")
	flag.Int8Var(&flagSignalDBM, "signal-dbm", -50, "Initial self-reported signal strength, in dBm")
	flag.StringVar(&flagLogLevel, "log-level", "", "LOGLEVEL directive, e.g. receiver=debug")
	flag.StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics at this address (disabled if empty)")
	flag.BoolVarP(&flagQuiet, "quiet", "q", false, "Do not print applied states to stdout")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
}

const helpString = `Receive a replicated string over an unreliable datagram channel

Usage: ssp-recv --bind-port=PORT [OPTION]...

Network:
      --bind-host=HOST    Local UDP bind address (default: 0.0.0.0)
      --bind-port=NUM     Local UDP bind port (default: ephemeral)
      --peer-host=HOST    Remote UDP peer address (optional; learned from the first packet)
      --peer-port=NUM     Remote UDP peer port
      --signal-dbm=NUM    Initial self-reported signal strength (default: -50)

Output:
  -q, --quiet             Do not print applied states to stdout

Diagnostics:
      --log-level=SPEC    LOGLEVEL directive, e.g. "receiver=debug"
      --metrics-addr=ADDR Serve Prometheus /metrics at this address

Miscellaneous:
  -h, --help              Print this help message and exit`

func help() {
	b := color.New(color.FgCyan)
	b.Println("ssp-recv")
	fmt.Println(helpString)
}
