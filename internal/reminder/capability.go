package reminder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Permission mirrors the browser notification permission states.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToLower(strings.TrimSpace(s))); p {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return p, nil
	case "":
		return PermissionDefault, nil
	}
	return "", fmt.Errorf("reminder: unknown permission %q", s)
}

// Capability is the host's notification gate. Implementations return
// ErrUnsupported when the host cannot show notifications at all.
type Capability interface {
	Permission(ctx context.Context) (Permission, error)
	RequestPermission(ctx context.Context) (Permission, error)
}

// Static is a fixed permission, used by server-side contexts.
type Static Permission

func (s Static) Permission(context.Context) (Permission, error)        { return Permission(s), nil }
func (s Static) RequestPermission(context.Context) (Permission, error) { return Permission(s), nil }

// Unavailable is a host without any notification support.
type Unavailable struct{}

func (Unavailable) Permission(context.Context) (Permission, error) { return "", ErrUnsupported }
func (Unavailable) RequestPermission(context.Context) (Permission, error) {
	return "", ErrUnsupported
}

// Prompter asks the user for permission, e.g. by pushing a prompt to the
// browser. It does not wait for the answer.
type Prompter interface {
	PromptPermission(ctx context.Context) error
}

// Prompters asks every prompter; it fails only when all of them fail.
type Prompters []Prompter

func (ps Prompters) PromptPermission(ctx context.Context) error {
	if len(ps) == 0 {
		return ErrUnsupported
	}
	var errs []error
	for _, p := range ps {
		if err := p.PromptPermission(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(ps) {
		return errors.Join(errs...)
	}
	return nil
}

// Switch is a mutable permission fed by the host UI.
//
// RequestPermission prompts (once per Default state) and returns the current
// state; the answer arrives later through Set.
type Switch struct {
	mu       sync.Mutex
	state    Permission
	prompter Prompter
	prompted bool
	subs     []func(Permission)
}

func NewSwitch(initial Permission, prompter Prompter) *Switch {
	if initial == "" {
		initial = PermissionDefault
	}
	return &Switch{state: initial, prompter: prompter}
}

func (s *Switch) Permission(context.Context) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *Switch) RequestPermission(ctx context.Context) (Permission, error) {
	s.mu.Lock()
	state := s.state
	ask := state == PermissionDefault && !s.prompted && s.prompter != nil
	if ask {
		s.prompted = true
	}
	p := s.prompter
	s.mu.Unlock()

	if ask {
		if err := p.PromptPermission(ctx); err != nil {
			s.mu.Lock()
			s.prompted = false
			s.mu.Unlock()
			return state, err
		}
	}
	return state, nil
}

// Set records a new state and notifies subscribers when it changed.
func (s *Switch) Set(p Permission) {
	s.mu.Lock()
	if s.state == p {
		s.mu.Unlock()
		return
	}
	s.state = p
	if p == PermissionDefault {
		s.prompted = false
	}
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}

// OnChange registers fn to run after every state change.
func (s *Switch) OnChange(fn func(Permission)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}
