// Command r2tsrv is the server-side peer (spec.md §6): it attaches to the
// named RDP virtual channel and drives the tunnel/dispatch engine for
// every CONN/BIND request the client sends. On EOF (the common case when
// the enclosing RDP session drops the channel transiently) it sleeps a
// second and reattaches, per spec.md §7's recovery rule, instead of
// exiting outright.
//
// Usage: r2tsrv [channel-name]
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rdp2tcp/config"
	"rdp2tcp/logging"
	"rdp2tcp/process"
	"rdp2tcp/serverpeer"
	"rdp2tcp/virtualchannel"
)

func main() {
	os.Exit(run())
}

func run() int {
	name := config.GlobalCfg.Channel.Name
	if len(os.Args) > 1 {
		name = os.Args[1]
	}

	log := logging.New(config.GlobalCfg.Log)
	defer log.Sync()

	pingDelay := time.Duration(config.GlobalCfg.PingDelaySecs) * time.Second

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			return 0
		default:
		}

		transport, err := virtualchannel.OpenServer(name)
		if err != nil {
			log.Warn("failed to open virtual channel, retrying", zap.String("channel", name), zap.Error(err))
			select {
			case <-sigCh:
				return 0
			case <-time.After(time.Second):
				continue
			}
		}

		spawner := process.ExecSpawner{Shell: config.GlobalCfg.Channel.Shell}
		peer := serverpeer.New(transport, pingDelay, nil, spawner, log)
		runErr := make(chan error, 1)
		go func() { runErr <- peer.Run() }()

		select {
		case <-sigCh:
			peer.Close()
			return 0
		case err := <-runErr:
			peer.Close()
			if err != nil {
				log.Info("channel closed, reattaching", zap.Error(err))
			}
			time.Sleep(time.Second)
		}
	}
}
