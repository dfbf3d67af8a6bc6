// Command r2tcli is the client-side peer (spec.md §6): it reads the
// channel from fd 0 and writes it to fd 1 (the two pipes the host RDP
// client inherits into this process), and exposes the controller's text
// protocol on a local TCP port.
//
// Usage: r2tcli [bind-host [bind-port]]
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"rdp2tcp/clientpeer"
	"rdp2tcp/config"
	"rdp2tcp/logging"
	"rdp2tcp/virtualchannel"
)

func main() {
	os.Exit(run())
}

func run() int {
	host := config.GlobalCfg.Controller.Host
	port := config.GlobalCfg.Controller.Port

	args := os.Args[1:]
	if len(args) >= 1 {
		host = args[0]
	}
	if len(args) >= 2 {
		p, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			fmt.Fprintf(os.Stderr, "r2tcli: invalid bind-port %q: %v\n", args[1], err)
			return 1
		}
		port = uint16(p)
	}

	log := logging.New(config.GlobalCfg.Log)
	defer log.Sync()

	pingDelay := time.Duration(config.GlobalCfg.PingDelaySecs) * time.Second
	peer := clientpeer.New(virtualchannel.Stdio(), pingDelay, clientpeer.NetDialer{}, log)
	defer peer.Close()

	for _, t := range config.GlobalCfg.ForwardTunnels {
		if err := peer.AddForward(t.LHost, t.LPort, t.RHost, t.RPort); err != nil {
			log.Sugar().Warnf("failed to register configured forward tunnel %s:%d: %v", t.LHost, t.LPort, err)
		}
	}
	for _, t := range config.GlobalCfg.ReverseTunnels {
		if err := peer.AddReverse(t.LHost, t.LPort, t.RHost, t.RPort); err != nil {
			log.Sugar().Warnf("failed to register configured reverse tunnel %s:%d: %v", t.LHost, t.LPort, err)
		}
	}
	for _, s := range config.GlobalCfg.Socks5Listeners {
		if err := peer.AddSocks5(s.Host, s.Port); err != nil {
			log.Sugar().Warnf("failed to register configured SOCKS5 listener %s:%d: %v", s.Host, s.Port, err)
		}
	}

	if err := peer.StartController(host, port); err != nil {
		fmt.Fprintf(os.Stderr, "r2tcli: failed to start controller on %s:%d: %v\n", host, port, err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGPIPE, syscall.SIGUSR1)

	done := make(chan error, 1)
	go func() { done <- peer.Run() }()

	select {
	case <-sigCh:
		return 0
	case err := <-done:
		// The channel read loop ending (typically io.EOF) means the host
		// RDP client is gone; spec.md §7 says the client peer exits.
		if err != nil {
			log.Sugar().Infof("channel closed: %v", err)
		}
		return 0
	}
}
