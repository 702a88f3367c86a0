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

// Package vmc talks to the cluster membership service through its
// command-line client. Each call is one subprocess invocation.
package vmc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	vsnlog "github.com/tombee/vsnsup/internal/log"
	vsnerrors "github.com/tombee/vsnsup/pkg/errors"
)

// Runner executes a command and returns its stdout and exit code.
// The exit code is -1 when the command could not be started.
type Runner func(ctx context.Context, binary string, args ...string) (stdout []byte, exitCode int, err error)

// Config configures a Client.
type Config struct {
	// Binary is the membership CLI executable.
	Binary string

	// Address is the membership service address passed as --vms-address.
	Address string

	// Query is a jq expression selecting the id->address object from the
	// metadata output. Default: .storagenodes
	Query string

	// Timeout bounds each invocation. Default: 30s
	Timeout time.Duration

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger

	// Runner overrides command execution (tests).
	Runner Runner
}

// Client is a membership service client backed by the vmc binary.
type Client struct {
	binary  string
	address string
	query   *gojq.Code
	timeout time.Duration
	run     Runner
	logger  *slog.Logger
	mw      *vsnlog.CommandMiddleware
}

// New creates a client. It fails only if the metadata query does not compile.
func New(cfg Config) (*Client, error) {
	if cfg.Query == "" {
		cfg.Query = ".storagenodes"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "vmc"))

	parsed, err := gojq.Parse(cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata query %q: %w", cfg.Query, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("compile metadata query %q: %w", cfg.Query, err)
	}

	return &Client{
		binary:  cfg.Binary,
		address: cfg.Address,
		query:   code,
		timeout: cfg.Timeout,
		run:     cfg.Runner,
		logger:  logger,
		mw:      vsnlog.NewCommandMiddleware(logger),
	}, nil
}

// Address returns the membership service address.
func (c *Client) Address() string {
	return c.address
}

// StorageNodes returns the known storage nodes keyed by id.
// Any failure is reported as *errors.MetadataUnavailableError.
func (c *Client) StorageNodes(ctx context.Context) (map[int32]string, error) {
	args := []string{"meta", "sn", "--vms-address=" + c.address}

	var out []byte
	err := c.invoke(ctx, "meta_sn", args, func(stdout []byte) { out = stdout })
	if err != nil {
		return nil, &vsnerrors.MetadataUnavailableError{Address: c.address, Reason: "query failed", Cause: err}
	}

	nodes, err := c.parse(ctx, out)
	if err != nil {
		return nil, &vsnerrors.MetadataUnavailableError{Address: c.address, Reason: "unexpected response", Cause: err}
	}
	return nodes, nil
}

// AddStorageNode registers a storage node by its advertise address.
// Failures are reported as *errors.RegistrationError.
func (c *Client) AddStorageNode(ctx context.Context, advertise string) error {
	args := []string{"add", "sn", "--storage-node-address=" + advertise, "--vms-address=" + c.address}

	var code int
	err := c.mw.Handler(&vsnlog.CommandCall{Name: "add_sn", Binary: c.binary, Args: args}, func() (int, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		_, code, err = c.run(ctx, c.binary, args...)
		return code, err
	})
	if err != nil {
		return &vsnerrors.RegistrationError{Address: advertise, ExitCode: code, Cause: err}
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, name string, args []string, onStdout func([]byte)) error {
	return c.mw.Handler(&vsnlog.CommandCall{Name: name, Binary: c.binary, Args: args}, func() (int, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		stdout, code, err := c.run(ctx, c.binary, args...)
		if err == nil {
			vsnlog.Trace(c.logger, "command output", slog.String("operation", name), slog.String("stdout", string(stdout)))
			onStdout(stdout)
		}
		return code, err
	})
}

// parse decodes the metadata output and validates the selected object.
// A null selection means the cluster has no storage nodes yet.
func (c *Client) parse(ctx context.Context, out []byte) (map[int32]string, error) {
	var doc any
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}

	iter := c.query.RunWithContext(ctx, doc)
	v, ok := iter.Next()
	if !ok {
		return nil, errors.New("metadata query produced no result")
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("metadata query: %w", err)
	}

	nodes := make(map[int32]string)
	if v == nil {
		return nodes, nil
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object of id to address, got %T", v)
	}

	for key, raw := range obj {
		id, err := strconv.ParseInt(key, 10, 32)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid storage node id %q", key)
		}
		addr, ok := raw.(string)
		if !ok || addr == "" {
			return nil, fmt.Errorf("invalid address for storage node %d: %v", id, raw)
		}
		nodes[int32(id)] = addr
	}
	return nodes, nil
}

// ExecRunner runs binary with args, capturing stdout. On failure the error
// carries trimmed stderr when available.
func ExecRunner(ctx context.Context, binary string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, code, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, code, err
	}

	return stdout.Bytes(), 0, nil
}
