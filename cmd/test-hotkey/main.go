// Command test-hotkey is a manual test for the global stop hotkey.
// Run it, then press the combination to see presses reported.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--keys ctrl,shift,q]
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/hrmon/internal/hotkey"
	"github.com/spf13/pflag"
)

func main() {
	keys := pflag.StringSlice("keys", hotkey.DefaultKeys, "key combination to listen for")
	pflag.Parse()

	listener, err := hotkey.NewListener(*keys)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("Listening for %s...\n", listener.Combo())
	fmt.Println("Press Ctrl+C to exit.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	go func() {
		n := 0
		for range listener.Presses() {
			n++
			fmt.Printf(">>> PRESS %d\n", n)
		}
		fmt.Println("Press channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
