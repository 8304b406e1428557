// telemetry listens for evm-loader event streams and writes one line per event.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/colorfulnotion/evmloader/log"
	"github.com/colorfulnotion/evmloader/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: telemetry <host:port> [log-file]")
		return
	}
	log.InitLogger("info")
	addr := os.Args[1]

	var srv *telemetry.TelemetryServer
	if len(os.Args) > 2 {
		var err error
		if srv, err = telemetry.NewTelemetryServer(addr, os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		srv = telemetry.NewTelemetryWriterServer(addr, os.Stdout)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		srv.Stop()
	}()
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
