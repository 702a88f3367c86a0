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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vsnerrors "github.com/tombee/vsnsup/pkg/errors"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HOST_IP", "RPC_PORT", "CLUSTER_ID", "VSN_HOME", "VMS_ADDRESS", "VSN_BIN_DIR",
		"VSN_NODE_BINARY", "VSN_VMC_BINARY", "VSN_PROCESS_NAME", "VSN_METADATA_QUERY",
		"VSN_METRICS_ADDR", "VSN_ID_BOUND", "VSN_NOFILE_LIMIT", "VSN_RETRY_INTERVAL",
		"VSN_SETTLE_INTERVAL", "VSN_SHUTDOWN_TIMEOUT", "VSN_COMMAND_TIMEOUT",
		"LOG_LEVEL", "LOG_FORMAT", "VSN_TRACE_EXPORTER", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_EXPORTER_OTLP_INSECURE",
	} {
		t.Setenv(key, "")
	}
}

func stubHostIP(t *testing.T, ip string) {
	t.Helper()
	orig := lookupHostIP
	lookupHostIP = func() string { return ip }
	t.Cleanup(func() { lookupHostIP = orig })
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	stubHostIP(t, "10.1.2.3")
	t.Setenv("VMS_ADDRESS", "10.0.0.100:9093")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultClusterID, cfg.ClusterID)
	assert.Equal(t, DefaultRPCPort, cfg.RPCPort)
	assert.Equal(t, DefaultHome, cfg.Home)
	assert.Equal(t, "10.1.2.3", cfg.HostIP)
	assert.Equal(t, 3*time.Second, cfg.RetryInterval)
	assert.Equal(t, time.Second, cfg.SettleInterval)
	assert.Equal(t, DefaultIDBound, cfg.IDBound)
	assert.Equal(t, ".storagenodes", cfg.MetadataQuery)

	assert.Equal(t, "10.1.2.3:9091", cfg.AdvertiseAddress())
	assert.Equal(t, "0.0.0.0:9091", cfg.ListenAddress())
	assert.Equal(t, "/home/deploy/varlog-sn/run/vsn.pid", cfg.PIDFile())
	assert.Equal(t, "/home/deploy/varlog-sn/logs/vsn.log", cfg.NodeLogFile())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	stubHostIP(t, "127.0.0.1")
	t.Setenv("VMS_ADDRESS", "vms:9093")
	t.Setenv("HOST_IP", "10.0.0.2")
	t.Setenv("RPC_PORT", "19091")
	t.Setenv("CLUSTER_ID", "7")
	t.Setenv("VSN_HOME", "/srv/sn")
	t.Setenv("VSN_BIN_DIR", "/opt/varlog/bin")
	t.Setenv("VSN_RETRY_INTERVAL", "500ms")
	t.Setenv("VSN_ID_BOUND", "1000")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.2:19091", cfg.AdvertiseAddress())
	assert.Equal(t, 7, cfg.ClusterID)
	assert.Equal(t, "/srv/sn", cfg.Home)
	assert.Equal(t, "/opt/varlog/bin/vsn", cfg.NodeBinaryPath())
	assert.Equal(t, "/opt/varlog/bin/vmc", cfg.VMCBinaryPath())
	assert.Equal(t, 500*time.Millisecond, cfg.RetryInterval)
	assert.Equal(t, int64(1000), cfg.IDBound)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingVMSAddressIsFatal(t *testing.T) {
	clearEnv(t)
	stubHostIP(t, "127.0.0.1")

	_, err := Load("")
	require.Error(t, err)

	var cfgErr *vsnerrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "vms_address", cfgErr.Key)
	assert.Contains(t, cfgErr.Suggestion(), "VMS_ADDRESS")
}

func TestLoad_InvalidEnvValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"non-numeric port", "RPC_PORT", "abc"},
		{"port out of range", "RPC_PORT", "70000"},
		{"bad duration", "VSN_RETRY_INTERVAL", "soon"},
		{"zero retry", "VSN_RETRY_INTERVAL", "0s"},
		{"bound above int32", "VSN_ID_BOUND", "4294967296"},
		{"zero bound", "VSN_ID_BOUND", "0"},
		{"unknown exporter", "VSN_TRACE_EXPORTER", "zipkin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			stubHostIP(t, "127.0.0.1")
			t.Setenv("VMS_ADDRESS", "vms:9093")
			t.Setenv(tt.key, tt.val)

			_, err := Load("")
			require.Error(t, err)
			var cfgErr *vsnerrors.ConfigError
			assert.True(t, errors.As(err, &cfgErr), "want ConfigError, got %T", err)
		})
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	stubHostIP(t, "127.0.0.1")

	path := filepath.Join(t.TempDir(), "vsnsup.yaml")
	content := `
cluster_id: 3
rpc_port: 9200
home: /data/sn
vms_address: vms-from-file:9093
retry_interval: 5s
metadata_query: .nodes
log:
  level: warn
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv("RPC_PORT", "9300")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.ClusterID)
	assert.Equal(t, 9300, cfg.RPCPort, "environment overrides file")
	assert.Equal(t, "/data/sn", cfg.Home)
	assert.Equal(t, "vms-from-file:9093", cfg.VMSAddress)
	assert.Equal(t, 5*time.Second, cfg.RetryInterval)
	assert.Equal(t, ".nodes", cfg.MetadataQuery)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_BadFile(t *testing.T) {
	clearEnv(t)
	stubHostIP(t, "127.0.0.1")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var cfgErr *vsnerrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "config_file", cfgErr.Key)
}

func TestValidate_NestedKeyNames(t *testing.T) {
	cfg := Default()
	cfg.HostIP = "10.0.0.1"
	cfg.VMSAddress = "vms:9093"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	var cfgErr *vsnerrors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "log.format", cfgErr.Key)
}

func TestAdvertiseAddress_IPv6(t *testing.T) {
	cfg := Default()
	cfg.HostIP = "fd00::1"
	assert.Equal(t, "[fd00::1]:9091", cfg.AdvertiseAddress())
}
