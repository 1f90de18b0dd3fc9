package service

import (
	"context"
	"fmt"
	"strings"

	commonlog "civic_realtime/server/common/log"
	"civic_realtime/server/realtime/domain"
)

type EventHandler func(ctx context.Context, env domain.Envelope) error

// Dispatcher routes envelopes by kind. It can only be built from a table
// covering every kind in domain.AllEventKinds.
type Dispatcher struct {
	handlers map[domain.EventKind]EventHandler
}

func NewDispatcher(table map[domain.EventKind]EventHandler) (*Dispatcher, error) {
	var missing []string
	for _, kind := range domain.AllEventKinds {
		if table[kind] == nil {
			missing = append(missing, string(kind))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("dispatcher has no handler for: %s", strings.Join(missing, ", "))
	}
	handlers := make(map[domain.EventKind]EventHandler, len(table))
	for k, h := range table {
		handlers[k] = h
	}
	return &Dispatcher{handlers: handlers}, nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, env domain.Envelope) error {
	kind, ok := domain.ParseEventKind(env.Event)
	if !ok {
		commonlog.Debugf("event=dispatch action=drop reason=unknown_kind kind=%s", env.Event)
		return nil
	}
	return d.handlers[kind](ctx, env)
}
