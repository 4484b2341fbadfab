// Package main is the interactive terminal client for the Elley gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"elley/config"
	"elley/internal/chat"
	"elley/internal/version"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	gatewayFlag := flag.String("gateway", "", "Gateway URL (overrides ELLEY_GATEWAY_URL)")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	gatewayURL := cfg.Client.GatewayURL
	if *gatewayFlag != "" {
		gatewayURL = *gatewayFlag
	}

	// Interrupts while a response is streaming cancel the request; at the
	// prompt liner reports Ctrl-C itself.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	loop := &chat.Loop{
		In:         line,
		Out:        os.Stdout,
		GatewayURL: gatewayURL,
		History:    line.AppendHistory,
	}

	finished := make(chan struct{})
	go func() {
		// A signal that arrives while blocked at the prompt cannot unblock
		// liner, so exit here if Run does not return promptly.
		<-ctx.Done()
		select {
		case <-finished:
		case <-time.After(500 * time.Millisecond):
			_ = line.Close()
			fmt.Println("\nGoodbye!")
			os.Exit(0)
		}
	}()

	err = loop.Run(ctx)
	close(finished)
	_ = line.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
