package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crossforge/internal/crossforge"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if crossforge.InCriticalPhase() {
					// Publishing in progress: block the first signal, force
					// exit only on a second one.
					fmt.Printf("\n[WARNING] Publishing in progress. Press Ctrl+C AGAIN to force exit NOW.\n")
					select {
					case <-sigs:
						fmt.Println("\n[FATAL] Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				}

				fmt.Printf("\n[INFO] Received %v. Cancelling in-flight builds...\n", sig)
				cancel()

				// Give toolchain children a moment to die and flush.
				time.Sleep(100 * time.Millisecond)

				select {
				case <-sigs:
					fmt.Println("\n[FATAL] Second interrupt received. Forcing immediate exit.")
					os.Exit(130)
				case <-time.After(500 * time.Millisecond):
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	os.Exit(crossforge.Main(ctx))
}
