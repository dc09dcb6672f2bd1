// Package config loads the daemon's YAML configuration, following the
// teacher's config.Load pattern: defaults are populated before unmarshal
// so that a minimal or missing config file still yields a usable daemon.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Bus      BusConfig      `yaml:"bus"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Modem    ModemConfig    `yaml:"modem"`
	Sms      SmsConfig      `yaml:"sms"`
	Ipv6Fwd  Ipv6FwdConfig  `yaml:"ipv6_proxy"`
	Rathole  RatholeConfig  `yaml:"rathole"`
	UsbMode  UsbModeConfig  `yaml:"usb_mode"`
	Logs     LogsConfig     `yaml:"logs"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type BusConfig struct {
	// Address is parsed from the config file but not passed to the bus
	// client, which always dials the platform default system bus
	// (DBUS_SYSTEM_BUS_ADDRESS or the well-known socket).
	Address     string        `yaml:"address"`
	ModemService string       `yaml:"modem_service"` // oFono's well-known bus name, e.g. "org.ofono"
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type AuthConfig struct {
	DefaultPassword string        `yaml:"default_password"`
	SessionLifetime time.Duration `yaml:"session_lifetime"`
}

type ModemConfig struct {
	AtTimeout time.Duration `yaml:"at_timeout"`
	// SerialDevice is used by the fallback direct-serial AT transport
	// when the bus-exposed SendAtcmd method is unavailable.
	SerialDevice string `yaml:"serial_device"`
	SerialBaud   int    `yaml:"serial_baud"`
}

type SmsConfig struct {
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	SendTimeout         time.Duration `yaml:"send_timeout"`
	WebhookTimeout      time.Duration `yaml:"webhook_timeout"`
}

type Ipv6FwdConfig struct {
	FirewallBin string `yaml:"firewall_bin"` // ip6tables path
}

type RatholeConfig struct {
	BinaryPath string `yaml:"binary_path"`
	ConfigPath string `yaml:"config_path"`
	LogPath    string `yaml:"log_path"`
	PidPath    string `yaml:"pid_path"`
}

type UsbModeConfig struct {
	ModeFile    string `yaml:"mode_file"`
	ModeTmpFile string `yaml:"mode_tmp_file"`
	ConfigfsDir string `yaml:"configfs_dir"`
}

type LogsConfig struct {
	Path string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Store: StoreConfig{Path: "/mnt/data/6677.db"},
		Bus: BusConfig{
			ModemService: "org.ofono",
			CallTimeout:  30 * time.Second,
		},
		Server: ServerConfig{Port: 8080},
		Auth: AuthConfig{
			DefaultPassword: "admin123",
			SessionLifetime: 24 * time.Hour,
		},
		Modem: ModemConfig{
			AtTimeout:    8 * time.Second,
			SerialDevice: "/dev/ttyUSB2",
			SerialBaud:   115200,
		},
		Sms: SmsConfig{
			MaintenanceInterval: 30 * time.Second,
			SendTimeout:         15 * time.Second,
			WebhookTimeout:      10 * time.Second,
		},
		Ipv6Fwd: Ipv6FwdConfig{
			FirewallBin: "/usr/sbin/ip6tables",
		},
		Rathole: RatholeConfig{
			BinaryPath: "/usr/bin/rathole",
			ConfigPath: "/tmp/rathole.toml",
			LogPath:    "/tmp/rathole.log",
			PidPath:    "/tmp/rathole.pid",
		},
		UsbMode: UsbModeConfig{
			ModeFile:    "/mnt/data/mode.cfg",
			ModeTmpFile: "/mnt/data/mode_tmp.cfg",
			ConfigfsDir: "/sys/kernel/config/usb_gadget/g1",
		},
		Logs: LogsConfig{Path: "/var/log/connectd"},
	}
}
