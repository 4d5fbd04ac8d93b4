package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"errand/internal/blocks"
	"errand/internal/logging"
)

// Store is the document-store capability the manager depends on. Satisfied
// by *blocks.Client.
type Store interface {
	CreateBlock(ctx context.Context, block blocks.Block) (*blocks.Block, error)
	GetBlock(ctx context.Context, blockID string) (*blocks.Block, error)
	UpdateBlock(ctx context.Context, blockID, value string, expectedVersion int) (*blocks.Block, error)
	ListAgentBlocks(ctx context.Context, agentID string) ([]blocks.Block, error)
	AttachBlock(ctx context.Context, agentID, blockID string) error
	DetachBlock(ctx context.Context, agentID, blockID string) error
}

// Config bounds the document and the conflict retry loop.
type Config struct {
	MaxEvents  int // prune threshold, default 50
	BlockLimit int // soft size bound in characters, default 50000
	MaxRetries int // retries after the first update attempt, default 3
}

func (c Config) withDefaults() Config {
	if c.MaxEvents <= 0 {
		c.MaxEvents = 50
	}
	if c.BlockLimit <= 0 {
		c.BlockLimit = 50000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Manager creates, updates, and detaches workspace documents.
type Manager struct {
	store  Store
	config Config
	logger logging.Logger

	newBackoff func() backoff.BackOff
}

// NewManager wires a manager to a document store.
func NewManager(store Store, config Config, logger logging.Logger) *Manager {
	return &Manager{
		store:  store,
		config: config.withDefaults(),
		logger: logging.OrNop(logger),
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
}

// blockLabel encodes the task id so operators can locate a workspace from
// the store side.
func blockLabel(taskID string) string {
	return "task_workspace_" + taskID
}

// Create builds the initial document, persists it, and attaches it to the
// caller. Failures propagate: a task cannot proceed without its workspace.
func (m *Manager) Create(ctx context.Context, taskID, callerID string, metadata map[string]any) (string, *Document, error) {
	doc := NewDocument(taskID, callerID, metadata)
	value, err := doc.Serialize()
	if err != nil {
		return "", nil, err
	}

	created, err := m.store.CreateBlock(ctx, blocks.Block{
		Label:       blockLabel(taskID),
		Description: describeBlock(taskID, m.config.BlockLimit),
		Value:       value,
		Limit:       m.config.BlockLimit,
	})
	if err != nil {
		return "", nil, fmt.Errorf("create workspace for %s: %w", taskID, err)
	}

	if err := m.store.AttachBlock(ctx, callerID, created.ID); err != nil {
		return "", nil, fmt.Errorf("attach workspace %s to %s: %w", created.ID, callerID, err)
	}

	m.logger.Info("created workspace %s for task %s", created.ID, taskID)
	return created.ID, doc, nil
}

// Update applies a patch with read-merge-write semantics. Conflicts from the
// remote's optimistic concurrency are absorbed by re-reading and re-merging
// under exponential backoff with jitter; after the retry budget the error
// propagates to the caller.
func (m *Manager) Update(ctx context.Context, callerID, workspaceID string, patch Patch) (*Document, error) {
	var updated *Document

	operation := func() error {
		block, err := m.store.GetBlock(ctx, workspaceID)
		if err != nil {
			if errors.Is(err, blocks.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}

		doc, err := ParseDocument(block.Value)
		if err != nil {
			return backoff.Permanent(err)
		}

		doc.apply(patch, time.Now().UTC())
		doc.prune(m.config.MaxEvents)

		value, err := doc.Serialize()
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(value) > m.config.BlockLimit {
			m.logger.Warn("workspace %s serialized to %d chars, above the %d soft limit",
				workspaceID, len(value), m.config.BlockLimit)
		}

		if _, err := m.store.UpdateBlock(ctx, workspaceID, value, block.Version); err != nil {
			return err // conflicts and transient failures both re-enter the loop
		}
		updated = doc
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(m.newBackoff(), uint64(m.config.MaxRetries)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, fmt.Errorf("update workspace %s: %w", workspaceID, err)
	}
	return updated, nil
}

// AppendEvent adds one event to the progress log.
func (m *Manager) AppendEvent(ctx context.Context, callerID, workspaceID string, event Event) error {
	_, err := m.Update(ctx, callerID, workspaceID, Patch{Events: []Event{event}})
	return err
}

// RecordArtifact captures an output for the caller.
func (m *Manager) RecordArtifact(ctx context.Context, callerID, workspaceID string, artifact Artifact) error {
	_, err := m.Update(ctx, callerID, workspaceID, Patch{Artifacts: []Artifact{artifact}})
	return err
}

// Get fetches and deserializes the document.
func (m *Manager) Get(ctx context.Context, callerID, workspaceID string) (*Document, error) {
	block, err := m.store.GetBlock(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("get workspace %s: %w", workspaceID, err)
	}
	return ParseDocument(block.Value)
}

// FindByTask scans the caller's attached blocks for a document carrying the
// task id. Used on recovery paths where only the task id survived.
func (m *Manager) FindByTask(ctx context.Context, callerID, taskID string) (string, *Document, error) {
	list, err := m.store.ListAgentBlocks(ctx, callerID)
	if err != nil {
		return "", nil, fmt.Errorf("scan workspaces of %s: %w", callerID, err)
	}

	for _, block := range list {
		doc, err := ParseDocument(block.Value)
		if err != nil {
			continue // unrelated block shapes live alongside workspaces
		}
		if doc.TaskID == taskID {
			return block.ID, doc, nil
		}
	}
	return "", nil, fmt.Errorf("workspace for task %s: %w", taskID, blocks.ErrNotFound)
}

// Detach dissociates the document from the caller; the content remains at
// the store. Failures are logged only — the task outcome never hinges on a
// detach.
func (m *Manager) Detach(ctx context.Context, callerID, workspaceID string) {
	if err := m.store.DetachBlock(ctx, callerID, workspaceID); err != nil {
		m.logger.Warn("detach workspace %s from %s failed: %v", workspaceID, callerID, err)
		return
	}
	m.logger.Debug("detached workspace %s from %s", workspaceID, callerID)
}
