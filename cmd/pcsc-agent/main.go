package main

import (
	"fmt"
	"os"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/SimplyPrint/pcsc-agent/internal/api"
	"github.com/SimplyPrint/pcsc-agent/internal/config"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

var (
	app      = kingpin.New("pcsc-agent", "Local PC/SC smart card reader service.")
	logLevel = app.Flag("log-level", "Minimum log level (debug, info, warn, error).").
			Envar("PCSC_AGENT_LOG_LEVEL").Default("info").String()
	cfg = config.Default().Register(app)

	serveCmd = app.Command("serve", "Run the HTTP and WebSocket service.").Default()

	readersCmd = app.Command("readers", "List connected readers.")

	transmitCmd     = app.Command("transmit", "Send one APDU to the card in a reader and print the response.")
	transmitReader  = transmitCmd.Arg("reader", "Reader name or index.").Required().String()
	transmitAPDU    = transmitCmd.Arg("apdu", "Command APDU as hex.").Required().String()
	transmitTimeout = transmitCmd.Flag("timeout", "How long to wait for the response.").
			Default(api.DefaultTransmitTimeout.String()).Duration()

	listenCmd    = app.Command("listen", "Print the UID of every card presented to a reader.")
	listenReader = listenCmd.Arg("reader", "Reader name or index.").Required().String()

	installCmd   = app.Command("install", "Install auto-start service.")
	uninstallCmd = app.Command("uninstall", "Remove auto-start service.")
	statusCmd    = app.Command("status", "Show auto-start service status.")
	versionCmd   = app.Command("version", "Print version information.")
)

func main() {
	app.Version(api.Version)
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	level, ok := logging.ParseLevel(*logLevel)
	if !ok {
		kingpin.Fatalf("unknown log level %q", *logLevel)
	}
	logging.Init(1000, level)
	defer logging.Sync()

	var err error
	switch command {
	case serveCmd.FullCommand():
		err = serve(cfg)
	case readersCmd.FullCommand():
		err = listReaders()
	case transmitCmd.FullCommand():
		err = transmit(*transmitReader, *transmitAPDU, *transmitTimeout)
	case listenCmd.FullCommand():
		err = listen(*listenReader, cfg.PollTimeout)
	case installCmd.FullCommand():
		err = installService()
	case uninstallCmd.FullCommand():
		err = uninstallService()
	case statusCmd.FullCommand():
		err = serviceStatus()
	case versionCmd.FullCommand():
		printVersion()
	default:
		kingpin.FatalUsage("Unrecognized command")
	}

	if err != nil {
		logging.Sync()
		fmt.Fprintf(os.Stderr, "pcsc-agent: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("pcsc-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}
