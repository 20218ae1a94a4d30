package sks

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/edgefieldbus/opcua-pubsub/metrics"
	"github.com/edgefieldbus/opcua-pubsub/security"
)

// SessionContext gates every Service method behind a caller-supplied
// token the host's session layer is responsible for authenticating.
// The zero value is refused; the core does not interpret the token
// beyond that (spec supplement: SKS methods require an authenticated,
// encrypted session, modeled here as an opaque access-control gate
// rather than adopting any particular credential scheme).
type SessionContext struct {
	token string
}

// NewSessionContext wraps a non-empty host-issued token.
func NewSessionContext(token string) SessionContext {
	return SessionContext{token: token}
}

func (c SessionContext) valid() bool { return c.token != "" }

// GroupHandle identifies a SecurityGroup to external callers.
type GroupHandle uuid.UUID

// KeysResult is GetSecurityKeys' return tuple (spec §4.5).
type KeysResult struct {
	PolicyURI      string
	FirstTokenID   uint32
	Keys           []security.KeyMaterial
	TimeToNextKey  time.Duration
	KeyLifetime    time.Duration
}

// Service manages zero or more SecurityGroups and their rotation
// timers (spec §4.5).
type Service struct {
	scheduler gocron.Scheduler
	metrics   *metrics.Registry

	mu        sync.RWMutex
	byHandle  map[GroupHandle]*SecurityGroup
	byName    map[string]GroupHandle
	jobs      map[GroupHandle]gocron.Job
}

// Option configures a Service at construction.
type Option func(*Service)

// WithMetrics attaches a metrics.Registry; rotations are recorded
// against it. Omit for tests that do not care about metrics.
func WithMetrics(r *metrics.Registry) Option {
	return func(s *Service) { s.metrics = r }
}

// NewService starts the gocron scheduler backing per-group rotation
// timers. Callers must call Shutdown when done.
func NewService(opts ...Option) (*Service, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	sched.Start()
	s := &Service{
		scheduler: sched,
		byHandle:  make(map[GroupHandle]*SecurityGroup),
		byName:    make(map[string]GroupHandle),
		jobs:      make(map[GroupHandle]gocron.Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Shutdown(ctx context.Context) error {
	return s.scheduler.Shutdown()
}

// AddSecurityGroup creates a SecurityGroup and arms its rotation timer
// (spec §4.5).
func (s *Service) AddSecurityGroup(sc SessionContext, name string, lifetime time.Duration, policyURI string, maxFuture, maxPast int) (GroupHandle, error) {
	if !sc.valid() {
		return GroupHandle{}, ErrInvalidParameter
	}
	if lifetime <= 0 || maxFuture == 0 || maxPast == 0 {
		return GroupHandle{}, ErrInvalidParameter
	}
	policy, ok := security.ByURI(policyURI)
	if !ok {
		return GroupHandle{}, ErrPolicyUnsupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[name]; exists {
		return GroupHandle{}, ErrNameExists
	}

	group, err := newSecurityGroup(name, policy, lifetime, maxFuture, maxPast, time.Now())
	if err != nil {
		return GroupHandle{}, err
	}
	handle := GroupHandle(uuid.New())
	s.byHandle[handle] = group
	s.byName[name] = handle

	job, err := s.scheduler.NewJob(
		gocron.DurationJob(lifetime),
		gocron.NewTask(func() {
			if err := group.Rotate(time.Now()); err == nil {
				s.metrics.KeyRotation(name)
			}
		}),
	)
	if err != nil {
		delete(s.byHandle, handle)
		delete(s.byName, name)
		return GroupHandle{}, err
	}
	s.jobs[handle] = job

	return handle, nil
}

// RemoveSecurityGroup deletes a SecurityGroup and cancels its rotation timer.
func (s *Service) RemoveSecurityGroup(sc SessionContext, handle GroupHandle) error {
	if !sc.valid() {
		return ErrInvalidParameter
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.byHandle[handle]
	if !ok {
		return ErrNotFound
	}
	if job, ok := s.jobs[handle]; ok {
		_ = s.scheduler.RemoveJob(job.ID())
	}
	delete(s.byHandle, handle)
	delete(s.byName, group.Name)
	delete(s.jobs, handle)
	return nil
}

// GetSecurityGroup is a read-only name lookup.
func (s *Service) GetSecurityGroup(sc SessionContext, name string) (GroupHandle, error) {
	if !sc.valid() {
		return GroupHandle{}, ErrInvalidParameter
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, ok := s.byName[name]
	if !ok {
		return GroupHandle{}, ErrNotFound
	}
	return handle, nil
}

// GetSecurityKeys implements spec §4.5's client contract.
func (s *Service) GetSecurityKeys(sc SessionContext, name string, startingTokenID uint32, requestedKeyCount int) (KeysResult, error) {
	if !sc.valid() {
		return KeysResult{}, ErrInvalidParameter
	}
	s.mu.RLock()
	handle, ok := s.byName[name]
	if !ok {
		s.mu.RUnlock()
		return KeysResult{}, ErrNotFound
	}
	group := s.byHandle[handle]
	s.mu.RUnlock()

	now := time.Now()
	keys := group.GetKeysFrom(startingTokenID, requestedKeyCount)
	var first uint32
	if len(keys) > 0 {
		first = keys[0].KeyID
	}
	return KeysResult{
		PolicyURI:     group.Policy.URI(),
		FirstTokenID:  first,
		Keys:          keys,
		TimeToNextKey: group.TimeToNextKey(now),
		KeyLifetime:   group.KeyLifetime,
	}, nil
}

// GroupByHandle exposes the SecurityGroup for internal callers
// (WriterGroup/ReaderGroup encrypt/decrypt paths) that already hold a
// validated handle and do not need the SessionContext gate the public
// OPC UA-facing methods above enforce.
func (s *Service) GroupByHandle(handle GroupHandle) (*SecurityGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.byHandle[handle]
	return g, ok
}
