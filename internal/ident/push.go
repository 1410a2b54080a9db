package ident

import (
	"context"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
)

// PushSource is an in-process source fed by Push.
type PushSource struct {
	name string
	ch   chan shared.IdentifierEvent
	now  func() time.Time
}

func NewPushSource(name string, buffer int) *PushSource {
	return &PushSource{name: name, ch: make(chan shared.IdentifierEvent, buffer), now: time.Now}
}

func (p *PushSource) Name() string { return p.name }

// Push queues one read, blocking while the buffer is full.
func (p *PushSource) Push(ctx context.Context, identifier string) error {
	ev, err := shared.NewIdentifierEvent(identifier, p.name, p.now())
	if err != nil {
		return err
	}
	select {
	case p.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PushSource) Run(ctx context.Context, emit func(shared.IdentifierEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.ch:
			emit(ev)
		}
	}
}
