// Package mock provides in-memory test doubles for the downstream package.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/lmbridge/internal/downstream"
)

// Session is a scriptable in-memory [downstream.Session].
type Session struct {
	Desc      downstream.Descriptor
	ToolList  []downstream.Tool
	ToolsErr  error
	CallErr   error
	CallFn    func(name string, args map[string]any) (*downstream.Result, error)
	Closed    bool
	CloseErr  error

	mu    sync.Mutex
	calls []Call
}

// Call records one Call invocation.
type Call struct {
	Name string
	Args map[string]any
}

// Compile-time check.
var _ downstream.Session = (*Session)(nil)

// Descriptor implements downstream.Session.
func (s *Session) Descriptor() downstream.Descriptor { return s.Desc }

// Tools implements downstream.Session.
func (s *Session) Tools(ctx context.Context) ([]downstream.Tool, error) {
	if s.ToolsErr != nil {
		return nil, s.ToolsErr
	}
	return s.ToolList, nil
}

// Call implements downstream.Session. Invocations are recorded in order.
func (s *Session) Call(ctx context.Context, name string, args map[string]any) (*downstream.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Name: name, Args: args})
	s.mu.Unlock()

	if s.CallErr != nil {
		return nil, s.CallErr
	}
	if s.CallFn != nil {
		return s.CallFn(name, args)
	}
	return &downstream.Result{Content: fmt.Sprintf("mock result for %s", name)}, nil
}

// Close implements downstream.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	s.Closed = true
	s.mu.Unlock()
	return s.CloseErr
}

// Calls returns the recorded invocations in order.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Dialer hands out pre-built sessions by descriptor name.
type Dialer struct {
	Sessions map[string]*Session
	DialErr  error

	mu     sync.Mutex
	dialed []string
}

// Compile-time check.
var _ downstream.Dialer = (*Dialer)(nil)

// Dial implements downstream.Dialer.
func (d *Dialer) Dial(ctx context.Context, desc downstream.Descriptor) (downstream.Session, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, desc.Name)
	d.mu.Unlock()

	if d.DialErr != nil {
		return nil, d.DialErr
	}
	s, ok := d.Sessions[desc.Name]
	if !ok {
		return nil, &downstream.HandshakeError{
			Server: desc.Name,
			Err:    fmt.Errorf("no mock session configured"),
		}
	}
	s.Desc = desc
	return s, nil
}

// Dialed returns the descriptor names dialled so far.
func (d *Dialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dialed))
	copy(out, d.dialed)
	return out
}
