package graceful

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jpillora/overseer"
)

// RestartSignal asks overseer to hand the listener to a fresh child process.
const RestartSignal = syscall.SIGUSR2

// SetupGracefulShutdown sets up signal handler and calls cancel on shutdown
func SetupGracefulShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)

	signal.Notify(sigCh,
		RestartSignal,
		syscall.SIGHUP,
		os.Interrupt,
		overseer.SIGTERM,
		overseer.SIGUSR1,
		syscall.SIGINT,
	)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v. Initiating shutdown...", sig)
		signal.Stop(sigCh)
		cancel()
	}()
}
