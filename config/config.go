// Package config loads the JSON configuration shared by both peer
// binaries: logging sink settings, the ping cadence, the controller's bind
// address, the channel name/shell, and pre-registered tunnels a peer
// should set up at startup without waiting for a controller command.
//
// Adapted from the teacher's config/setting.go: same
// read-file-then-json.Unmarshal-into-a-package-global shape, the same
// environment-variable override for the config path (renamed from
// MOTO_CONFIG to RDP2TCP_CONFIG), and the same Reload(path) entrypoint —
// generalized from the teacher's routing-rule table to this system's
// tunnel/controller/channel settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// EnvConfigPath overrides the default configuration file path when set.
const EnvConfigPath = "RDP2TCP_CONFIG"

// Defaults matching spec.md §4.9/§5/§6.
const (
	DefaultConfigPath     = "config/rdp2tcp.json"
	DefaultControllerHost = "127.0.0.1"
	DefaultControllerPort = 8477
	DefaultChannelName    = "rdp2tcp"
	DefaultPingDelaySecs  = 5
	DefaultShell          = "/bin/sh"
)

// Log holds the logging sink settings consumed by the logging package.
type Log struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// Controller is the client-side controller listener's bind address.
type Controller struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// Channel holds the virtual-channel name (server) and the shell used to
// run process-tunnel command lines (server).
type Channel struct {
	Name  string `json:"name"`
	Shell string `json:"shell"`
}

// TunnelSpec pre-registers a tunnel at startup, equivalent to issuing the
// matching controller command (`t`/`r`) before any client connects.
type TunnelSpec struct {
	LHost string `json:"lhost"`
	LPort uint16 `json:"lport"`
	RHost string `json:"rhost"`
	RPort uint16 `json:"rport"`
}

// Socks5Listener pre-registers a SOCKS5 front end at startup, equivalent to
// issuing the controller's "s" command before any client connects.
type Socks5Listener struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// Config is the top-level JSON document for either peer binary. Fields
// irrelevant to a given peer (e.g. Controller on the server) are simply
// ignored by that peer.
type Config struct {
	Log             Log              `json:"log"`
	PingDelaySecs   int              `json:"ping_delay_secs"`
	Controller      Controller       `json:"controller"`
	Channel         Channel          `json:"channel"`
	ForwardTunnels  []TunnelSpec     `json:"forward_tunnels"`
	ReverseTunnels  []TunnelSpec     `json:"reverse_tunnels"`
	Socks5Listeners []Socks5Listener `json:"socks5_listeners"`
}

// withDefaults fills in zero fields with spec-mandated defaults.
func (c *Config) withDefaults() {
	if c.PingDelaySecs == 0 {
		c.PingDelaySecs = DefaultPingDelaySecs
	}
	if c.Controller.Host == "" {
		c.Controller.Host = DefaultControllerHost
	}
	if c.Controller.Port == 0 {
		c.Controller.Port = DefaultControllerPort
	}
	if c.Channel.Name == "" {
		c.Channel.Name = DefaultChannelName
	}
	if c.Channel.Shell == "" {
		c.Channel.Shell = DefaultShell
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// GlobalCfg is the currently loaded configuration. It is never nil: absent
// a config file on disk, GlobalCfg starts out holding just the defaults,
// since unlike the teacher (whose routing rules are the only way to
// configure it) this system is also driven by CLI args and controller
// commands.
var GlobalCfg *Config

func init() {
	cfg := &Config{}
	cfg.withDefaults()
	GlobalCfg = cfg

	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err != nil {
		return // no config file is a normal, supported state
	}
	if err := Reload(path); err != nil {
		fmt.Printf("failed to load %s: %s\n", path, err.Error())
	}
}

// Reload reads and parses the JSON document at path, replacing GlobalCfg on
// success. The previous configuration is left untouched on any error.
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg := &Config{}
	if err := json.Unmarshal(buf, cfg); err != nil {
		return err
	}
	cfg.withDefaults()
	GlobalCfg = cfg
	return nil
}
