package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagLambda      float64
	flagBindHost    string
	flagBindPort    int
	flagPeerHost    string
	flagPeerPort    int
	flagSignalDBM   int8
	flagLogLevel    string
	flagMetricsAddr string
	flagSeed        int64
	flagScript      string
	flagInterval    int

	flagHelp bool
)

func init() {
	flag.Float64VarP(&flagLambda, "lambda", "l", 0.3, "Probability of referencing the known-ack state over the assumed state")
	flag.StringVar(&flagBindHost, "bind-host", "0.0.0.0", "Local UDP bind address")
	flag.IntVar(&flagBindPort, "bind-port", 0, "Local UDP bind port (0 picks an ephemeral port)")
	flag.StringVar(&flagPeerHost, "peer-host", "", "Remote UDP peer address")
	flag.IntVar(&flagPeerPort, "peer-port", 0, "Remote UDP peer port")
	flag.Int8Var(&flagSignalDBM, "signal-dbm", -50, "Initial self-reported signal strength, in dBm")
	flag.StringVar(&flagLogLevel, "log-level", "", "LOGLEVEL directive, e.g. sender=debug")
	flag.StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics at this address (disabled if empty)")
	flag.Int64VarP(&flagSeed, "seed", "s", 0, "RNG seed for the lambda reference-state draw")
	flag.StringVar(&flagScript, "script", "", "Read newline-delimited strings from this file instead of stdin")
	flag.IntVar(&flagInterval, "interval", 500, "Milliseconds between --script lines, or between stdin reads")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
}

const helpString = `Replicate a string to a peer over an unreliable datagram channel

Usage: ssp-send --peer-host=HOST --peer-port=PORT [OPTION]...

Protocol:
  -l, --lambda=NUM        Probability of the known-ack reference (default: 0.3)
  -s, --seed=NUM          RNG seed for the lambda draw (default: 0, i.e. unseeded-looking but reproducible)

Network:
      --bind-host=HOST    Local UDP bind address (default: 0.0.0.0)
      --bind-port=NUM     Local UDP bind port (default: ephemeral)
      --peer-host=HOST    Remote UDP peer address (required)
      --peer-port=NUM     Remote UDP peer port (required)
      --signal-dbm=NUM    Initial self-reported signal strength (default: -50)

Local input:
      --script=FILE       Feed newline-delimited strings at a fixed interval
      --interval=MS       Delay between --script lines or stdin reads (default: 500)

Diagnostics:
      --log-level=SPEC    LOGLEVEL directive, e.g. "sender=debug"
      --metrics-addr=ADDR Serve Prometheus /metrics at this address

Miscellaneous:
  -h, --help              Print this help message and exit`

func help() {
	b := color.New(color.FgCyan)
	b.Println("ssp-send")
	fmt.Println(helpString)
}
