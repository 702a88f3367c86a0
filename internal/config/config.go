// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads supervisor configuration from defaults, an optional
// YAML file and the environment, in that order of precedence.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	vsnerrors "github.com/tombee/vsnsup/pkg/errors"
)

// Defaults mirror the deployment layout of the storage node image.
const (
	DefaultClusterID       = 1
	DefaultRPCPort         = 9091
	DefaultHome            = "/home/deploy/varlog-sn"
	DefaultProcessName     = "vsn"
	DefaultRetryInterval   = 3 * time.Second
	DefaultSettleInterval  = 1 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultCommandTimeout  = 30 * time.Second
	DefaultMetadataQuery   = ".storagenodes"

	// DefaultIDBound is the inclusive upper bound for freshly allocated
	// storage node ids. Storage node ids are int32 on the wire.
	DefaultIDBound int64 = 1<<31 - 1
)

// Config is the complete supervisor configuration.
type Config struct {
	// ClusterID is passed to the node as --cluster-id.
	ClusterID int `yaml:"cluster_id" validate:"gte=0"`

	// HostIP is the advertise host. Defaults to the resolved address of the hostname.
	HostIP string `yaml:"host_ip" validate:"required,ip|hostname_rfc1123"`

	// RPCPort is both the listen and the advertise port.
	RPCPort int `yaml:"rpc_port" validate:"min=1,max=65535"`

	// Home is the node home directory; data lives under Home/data.
	Home string `yaml:"home" validate:"required"`

	// VMSAddress is the address of the cluster membership service. Required.
	VMSAddress string `yaml:"vms_address" validate:"required"`

	// BinDir holds the node and membership CLI binaries.
	BinDir string `yaml:"bin_dir" validate:"required"`

	// NodeBinary overrides BinDir/vsn.
	NodeBinary string `yaml:"node_binary,omitempty"`

	// VMCBinary overrides BinDir/vmc.
	VMCBinary string `yaml:"vmc_binary,omitempty"`

	// ProcessName identifies the node process for liveness and kill checks.
	ProcessName string `yaml:"process_name" validate:"required"`

	// RetryInterval is the fixed sleep between loop iterations.
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gt=0"`

	// SettleInterval is the pause between spawn and registration.
	SettleInterval time.Duration `yaml:"settle_interval" validate:"gte=0"`

	// ShutdownTimeout bounds the SIGTERM grace period when stopping the node.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// CommandTimeout bounds each membership CLI invocation.
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gt=0"`

	// IDBound is the inclusive upper bound for allocated node ids.
	IDBound int64 `yaml:"id_bound" validate:"min=1,max=2147483647"`

	// MetadataQuery is a jq expression selecting the id->address map
	// from the metadata query output.
	MetadataQuery string `yaml:"metadata_query" validate:"required"`

	// MetricsAddr enables a Prometheus endpoint when set (e.g. ":9191").
	MetricsAddr string `yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`

	// NoFileLimit sets RLIMIT_NOFILE before launching the node.
	// Zero raises the soft limit to the hard limit.
	NoFileLimit uint64 `yaml:"nofile_limit,omitempty"`

	Log   LogConfig   `yaml:"log"`
	Trace TraceConfig `yaml:"trace"`
}

// LogConfig configures supervisor logging.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level,omitempty" validate:"omitempty,oneof=trace debug info warn warning error"`

	// Format is the output format (json, text).
	Format string `yaml:"format,omitempty" validate:"omitempty,oneof=json text"`
}

// TraceConfig configures OpenTelemetry span export.
type TraceConfig struct {
	// Exporter is one of none, stdout, otlp-grpc, otlp-http. Empty means none.
	Exporter string `yaml:"exporter,omitempty" validate:"omitempty,oneof=none stdout otlp-grpc otlp-http"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS towards the collector.
	Insecure bool `yaml:"insecure,omitempty"`
}

// Default returns a configuration with the documented defaults.
// HostIP and VMSAddress are left empty.
func Default() *Config {
	return &Config{
		ClusterID:       DefaultClusterID,
		RPCPort:         DefaultRPCPort,
		Home:            DefaultHome,
		BinDir:          defaultBinDir(),
		ProcessName:     DefaultProcessName,
		RetryInterval:   DefaultRetryInterval,
		SettleInterval:  DefaultSettleInterval,
		ShutdownTimeout: DefaultShutdownTimeout,
		CommandTimeout:  DefaultCommandTimeout,
		IDBound:         DefaultIDBound,
		MetadataQuery:   DefaultMetadataQuery,
	}
}

// Load builds the configuration: defaults, then the YAML file at configPath
// if non-empty, then environment overrides, then validation.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &vsnerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if cfg.HostIP == "" {
		cfg.HostIP = lookupHostIP()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies environment overrides. Malformed numeric or duration
// values are configuration errors rather than silently ignored.
func (c *Config) loadFromEnv() error {
	if val := os.Getenv("HOST_IP"); val != "" {
		c.HostIP = val
	}
	if val := os.Getenv("RPC_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return envError("RPC_PORT", val, err)
		}
		c.RPCPort = port
	}
	if val := os.Getenv("CLUSTER_ID"); val != "" {
		id, err := strconv.Atoi(val)
		if err != nil {
			return envError("CLUSTER_ID", val, err)
		}
		c.ClusterID = id
	}
	if val := os.Getenv("VSN_HOME"); val != "" {
		c.Home = val
	}
	if val := os.Getenv("VMS_ADDRESS"); val != "" {
		c.VMSAddress = val
	}
	if val := os.Getenv("VSN_BIN_DIR"); val != "" {
		c.BinDir = val
	}
	if val := os.Getenv("VSN_NODE_BINARY"); val != "" {
		c.NodeBinary = val
	}
	if val := os.Getenv("VSN_VMC_BINARY"); val != "" {
		c.VMCBinary = val
	}
	if val := os.Getenv("VSN_PROCESS_NAME"); val != "" {
		c.ProcessName = val
	}
	if val := os.Getenv("VSN_METADATA_QUERY"); val != "" {
		c.MetadataQuery = val
	}
	if val := os.Getenv("VSN_METRICS_ADDR"); val != "" {
		c.MetricsAddr = val
	}
	if val := os.Getenv("VSN_ID_BOUND"); val != "" {
		bound, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return envError("VSN_ID_BOUND", val, err)
		}
		c.IDBound = bound
	}
	if val := os.Getenv("VSN_NOFILE_LIMIT"); val != "" {
		limit, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return envError("VSN_NOFILE_LIMIT", val, err)
		}
		c.NoFileLimit = limit
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"VSN_RETRY_INTERVAL", &c.RetryInterval},
		{"VSN_SETTLE_INTERVAL", &c.SettleInterval},
		{"VSN_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
		{"VSN_COMMAND_TIMEOUT", &c.CommandTimeout},
	}
	for _, d := range durations {
		val := os.Getenv(d.env)
		if val == "" {
			continue
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return envError(d.env, val, err)
		}
		*d.dst = parsed
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("VSN_TRACE_EXPORTER"); val != "" {
		c.Trace.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Trace.Endpoint = val
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return envError("OTEL_EXPORTER_OTLP_INSECURE", val, err)
		}
		c.Trace.Insecure = b
	}

	return nil
}

func envError(key, val string, cause error) error {
	return &vsnerrors.ConfigError{
		Key:    key,
		Reason: fmt.Sprintf("invalid value %q", val),
		Cause:  cause,
	}
}

// AdvertiseAddress is the host:port this node is known by in the cluster.
func (c *Config) AdvertiseAddress() string {
	return net.JoinHostPort(c.HostIP, strconv.Itoa(c.RPCPort))
}

// ListenAddress is the address the node binds to.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.RPCPort))
}

// NodeBinaryPath returns the storage node executable.
func (c *Config) NodeBinaryPath() string {
	if c.NodeBinary != "" {
		return c.NodeBinary
	}
	return filepath.Join(c.BinDir, "vsn")
}

// VMCBinaryPath returns the membership CLI executable.
func (c *Config) VMCBinaryPath() string {
	if c.VMCBinary != "" {
		return c.VMCBinary
	}
	return filepath.Join(c.BinDir, "vmc")
}

// PIDFile is where the supervisor records the spawned node's pid.
func (c *Config) PIDFile() string {
	return filepath.Join(c.Home, "run", c.ProcessName+".pid")
}

// NodeLogFile receives the node's stdout and stderr.
func (c *Config) NodeLogFile() string {
	return filepath.Join(c.Home, "logs", c.ProcessName+".log")
}

// LifecycleLogFile receives the supervisor's lifecycle audit events.
func (c *Config) LifecycleLogFile() string {
	return filepath.Join(c.Home, "logs", "lifecycle.log")
}

func defaultBinDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// lookupHostIP resolves the local hostname to an address, preferring IPv4.
var lookupHostIP = func() string {
	host, err := os.Hostname()
	if err != nil {
		return "127.0.0.1"
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr
		}
	}
	return addrs[0]
}
