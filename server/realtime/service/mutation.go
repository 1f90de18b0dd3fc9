package service

import (
	"context"
	"errors"
	"sync"

	commonlog "civic_realtime/server/common/log"
)

type MutationState string

const (
	MutationPending   MutationState = "pending"
	MutationCommitted MutationState = "committed"
	MutationFailed    MutationState = "failed"
)

var errMissingRevert = errors.New("mutation has no revert step")

// Mutation is an optimistic local change: Apply runs first, Commit writes to
// the store, and a failed Commit always runs Revert.
type Mutation struct {
	Name   string
	Apply  func()
	Commit func(ctx context.Context) error
	Revert func()

	mu    sync.Mutex
	state MutationState
	err   error
}

func (m *Mutation) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mutation) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Mutation) setState(state MutationState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.err = err
}

func (m *Mutation) Run(ctx context.Context) error {
	if m.Revert == nil {
		return errMissingRevert
	}
	m.setState(MutationPending, nil)
	if m.Apply != nil {
		m.Apply()
	}
	if err := m.Commit(ctx); err != nil {
		m.Revert()
		m.setState(MutationFailed, err)
		commonlog.Warnf("event=mutation action=commit status=failed name=%s error=%v", m.Name, err)
		return err
	}
	m.setState(MutationCommitted, nil)
	return nil
}
