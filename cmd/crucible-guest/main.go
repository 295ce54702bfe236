// Command crucible-guest is the agent that runs as init inside Firecracker
// microVMs. It listens on vsock for one execution at a time, runs the
// process executable and streams logs, steps and output files back.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o crucible-guest ./cmd/crucible-guest
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"

	fc "github.com/seantiz/crucible/internal/engine/firecracker"
	"github.com/seantiz/crucible/internal/guest"
)

func main() {
	guest.SetupInit()

	l, err := vsock.Listen(fc.DefaultVsockPort, nil)
	if err != nil {
		log.Printf("vsock listen on port %d: %v", fc.DefaultVsockPort, err)
		guest.PowerOff()
		os.Exit(1)
	}

	agent := guest.New(l, fc.GuestWorkDir, fc.GuestProcessDir)

	// SIGINT is what Ctrl-Alt-Del delivers to init once SetupInit has
	// disabled the immediate reboot.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("received %s, stopping", sig)
		agent.Close()
	}()

	log.Printf("crucible-guest listening on vsock port %d", fc.DefaultVsockPort)
	if err := agent.Serve(); err != nil {
		log.Printf("serve: %v", err)
	}
	guest.PowerOff()
}
