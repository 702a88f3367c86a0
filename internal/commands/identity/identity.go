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

// Package identity implements "vsnsup identity", a read-only view of how
// the supervisor would resolve this host's storage node.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tombee/vsnsup/internal/commands/shared"
	"github.com/tombee/vsnsup/internal/config"
	nodeid "github.com/tombee/vsnsup/internal/identity"
	"github.com/tombee/vsnsup/internal/vmc"
	"github.com/tombee/vsnsup/internal/volume"
)

// Report is the resolved identity of this host.
type Report struct {
	NodeID    int32  `json:"node_id"`
	Known     bool   `json:"known"`
	Advertise string `json:"advertise_address"`
	Volume    string `json:"volume"`
	// Truncate is true when run would wipe the volume before starting.
	Truncate bool `json:"truncate"`
	// IDBound is the upper bound new ids are drawn from, set for new nodes.
	IDBound int64 `json:"id_bound,omitempty"`
}

// NewCommand creates the identity command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show the storage node identity for this host",
		Long: `Query cluster metadata and show the node id this host would run with.

Nothing is spawned, truncated or registered. For a host that is not yet
registered the id shown is a fresh random allocation and will differ from
the one chosen by a later run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			return show(cmd.Context(), cfg, nil, cmd.OutOrStdout(), shared.GetJSON())
		},
	}
}

func show(ctx context.Context, cfg *config.Config, runner vmc.Runner, w io.Writer, asJSON bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := shared.NewLogger(cfg)

	client, err := vmc.New(vmc.Config{
		Binary:  cfg.VMCBinaryPath(),
		Address: cfg.VMSAddress,
		Query:   cfg.MetadataQuery,
		Timeout: cfg.CommandTimeout,
		Logger:  logger,
		Runner:  runner,
	})
	if err != nil {
		return shared.NewConfigError("invalid metadata query", err)
	}

	adv := cfg.AdvertiseAddress()
	alloc := nodeid.NewRandomAllocator(cfg.IDBound, nil)
	resolver := nodeid.NewResolver(client, adv, alloc, logger)
	ident, err := resolver.Resolve(ctx)
	if err != nil {
		return shared.NewFatalError("failed to resolve identity", err)
	}

	r := Report{
		NodeID:    ident.ID,
		Known:     ident.Known,
		Advertise: adv,
		Volume:    volume.Path(cfg.Home),
		Truncate:  !ident.Known,
	}
	if !ident.Known {
		r.IDBound = alloc.Bound()
	}

	if asJSON {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal identity: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	if r.Known {
		fmt.Fprintln(w, shared.RenderOK("registered storage node"))
	} else {
		fmt.Fprintln(w, shared.RenderWarn("not registered, a new id would be allocated"))
	}
	fmt.Fprintf(w, "  %s %s\n", shared.RenderLabel("node id:  "), strconv.FormatInt(int64(r.NodeID), 10))
	fmt.Fprintf(w, "  %s %s\n", shared.RenderLabel("advertise:"), r.Advertise)
	fmt.Fprintf(w, "  %s %s\n", shared.RenderLabel("volume:   "), r.Volume)
	if r.Truncate {
		fmt.Fprintf(w, "  %s %s\n", shared.RenderLabel("id range: "), "1.."+strconv.FormatInt(r.IDBound, 10))
		fmt.Fprintf(w, "  %s\n", shared.Muted.Render("volume would be truncated on run"))
	}
	return nil
}
