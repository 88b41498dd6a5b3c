package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"voicebridge/internal/records"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// seedFile is the fixture format for the locally owned side of the data:
// clients, their agents, and which client each assistant belongs to.
//
//	clients:
//	  - {id: c1, name: Acme, active: true}
//	agents:
//	  - {id: ag1, client_id: c1, name: Front desk, assistant_id: asst_1}
//	assistants:
//	  - {external_id: asst_1, provider: vapi, client_id: c1}
type seedFile struct {
	Clients []struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Active *bool  `yaml:"active"`
	} `yaml:"clients"`
	Agents []struct {
		ID          string `yaml:"id"`
		ClientID    string `yaml:"client_id"`
		Name        string `yaml:"name"`
		AssistantID string `yaml:"assistant_id"`
		Status      string `yaml:"status"`
	} `yaml:"agents"`
	Assistants []struct {
		ExternalID string `yaml:"external_id"`
		Provider   string `yaml:"provider"`
		ClientID   string `yaml:"client_id"`
	} `yaml:"assistants"`
}

func readSeedFile(path string) (seedFile, error) {
	var f seedFile
	b, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// seedStore is the subset of SQLStore used by applySeed.
type seedStore interface {
	UpsertClient(ctx context.Context, c records.Client) error
	UpsertAgent(ctx context.Context, a records.Agent) error
	AssignClient(ctx context.Context, externalID, clientID string) error
	UpsertAssistants(ctx context.Context, recs []records.AssistantRecord) error
}

// applySeed writes clients, then agents, then assistant assignments. An
// assignment for an assistant that has not been synced yet creates a stub
// record the next sync fills in.
func applySeed(ctx context.Context, s seedStore, f seedFile, now time.Time) error {
	for _, c := range f.Clients {
		active := true
		if c.Active != nil {
			active = *c.Active
		}
		if err := s.UpsertClient(ctx, records.Client{ID: c.ID, Name: c.Name, Active: active}); err != nil {
			return fmt.Errorf("client %q: %w", c.ID, err)
		}
	}
	for _, a := range f.Agents {
		err := s.UpsertAgent(ctx, records.Agent{
			ID:          a.ID,
			ClientID:    a.ClientID,
			Name:        a.Name,
			AssistantID: a.AssistantID,
			Status:      records.AgentStatus(a.Status),
		})
		if err != nil {
			return fmt.Errorf("agent %q: %w", a.ID, err)
		}
	}
	for _, a := range f.Assistants {
		err := s.AssignClient(ctx, a.ExternalID, a.ClientID)
		if err == nil {
			continue
		}
		if !errors.Is(err, records.ErrNotFound) {
			return fmt.Errorf("assistant %q: %w", a.ExternalID, err)
		}
		p, ok := records.ParseProvider(a.Provider)
		if !ok {
			return fmt.Errorf("assistant %q: unknown provider %q", a.ExternalID, a.Provider)
		}
		stub := records.Merge(nil, records.AssistantPatch{ExternalID: a.ExternalID}, p, now)
		stub.LastSyncedAt = nil
		stub.SyncStatus = records.SyncStatusLocal
		if err := s.UpsertAssistants(ctx, []records.AssistantRecord{stub}); err != nil {
			return fmt.Errorf("assistant %q: %w", a.ExternalID, err)
		}
		// sync never writes client_id, so the assignment is a separate update
		if err := s.AssignClient(ctx, a.ExternalID, a.ClientID); err != nil {
			return fmt.Errorf("assistant %q: %w", a.ExternalID, err)
		}
	}
	return nil
}

func newSeedCommand(root *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load clients, agents and assistant assignments from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := readSeedFile(file)
			if err != nil {
				return err
			}
			ctx := withLogger(cmd.Context(), root)
			db, err := openDB(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := applySeed(ctx, records.NewSQLStore(db), f, time.Now().UTC()); err != nil {
				root.log.Error("seed failed", "err", err)
				return err
			}
			root.log.Info("seed applied",
				"clients", len(f.Clients),
				"agents", len(f.Agents),
				"assistants", len(f.Assistants),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the seed YAML file (required)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
