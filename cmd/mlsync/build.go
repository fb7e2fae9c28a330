package main

import (
	"fmt"
	"io"

	"github.com/homefeed/mlsync/internal/config"
	"github.com/homefeed/mlsync/internal/mapper"
	"github.com/homefeed/mlsync/internal/provider"
	"github.com/homefeed/mlsync/internal/store"
	mlsync "github.com/homefeed/mlsync/internal/sync"
)

// newClient builds the provider client for p.
func newClient(p config.Provider, logs io.Writer) (*provider.Client, error) {
	cc := p.ClientConfig()
	cc.Logger = componentLogger(logs, "provider:"+p.Source)
	return provider.New(cc)
}

// newOrchestrator wires a provider client and mapper into an orchestrator.
func newOrchestrator(cfg *config.Config, db *store.DB, p config.Provider, notifier mlsync.Notifier, logs io.Writer) (*mlsync.Orchestrator, *provider.Client, error) {
	client, err := newClient(p, logs)
	if err != nil {
		return nil, nil, err
	}

	var vocab *mapper.Vocabulary
	if p.Vocabulary != "" {
		vocab, err = mapper.LoadVocabulary(p.Vocabulary)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %s: %w", p.Source, err)
		}
	}

	oc := cfg.OrchestratorConfig()
	oc.Mapper = mapper.New(vocab)
	oc.Notifier = notifier
	oc.Logger = componentLogger(logs, "sync:"+p.Source)

	orch, err := mlsync.New(db, client, oc)
	if err != nil {
		return nil, nil, err
	}
	return orch, client, nil
}
