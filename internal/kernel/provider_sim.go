// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"context"
	"slices"
	"sync"

	"grimm.is/flowguard/internal/connection"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/packet"
)

// SimConfig configures a SimProvider.
type SimConfig struct {
	// HoldPackets keeps pended packets parked inside the provider, the way
	// nfqueue does, and replays them through both layers on completion.
	// Otherwise the triggering packet is handed to the core in
	// AuthEvent.Packet and completion only resumes the connection.
	HoldPackets bool
	InjectMark  uint32
}

// InjectedPacket is one packet sent through SimProvider.Inject.
type InjectedPacket struct {
	Data []byte
	Info InjectInfo
	Mark uint32
}

type simProcess struct {
	pid        uint64
	executable string
}

// SimProvider is an in-memory Provider. Packets are fed in by tests and every
// decision is recorded on the returned SimClassification.
type SimProvider struct {
	cfg SimConfig

	mu         sync.Mutex
	handler    Handler
	registered bool
	processes  map[flow.Key]simProcess
	executable map[uint64]string
	injected   []InjectedPacket

	injectErr   error
	pendErr     error
	registerErr error
}

// NewSimProvider creates a simulation provider.
func NewSimProvider(cfg SimConfig) *SimProvider {
	if cfg.InjectMark == 0 {
		cfg.InjectMark = DefaultInjectMark
	}
	return &SimProvider{
		cfg:        cfg,
		processes:  make(map[flow.Key]simProcess),
		executable: make(map[uint64]string),
	}
}

// Attach sets the handler that receives callouts.
func (s *SimProvider) Attach(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Run attaches h and blocks until ctx is done.
func (s *SimProvider) Run(ctx context.Context, h Handler) error {
	s.Attach(h)
	<-ctx.Done()
	return nil
}

// Close detaches the handler.
func (s *SimProvider) Close() error {
	s.Attach(nil)
	return nil
}

func (s *SimProvider) attached() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// Register marks the filters as installed. A configured failure leaves
// nothing registered.
func (s *SimProvider) Register(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return s.registerErr
	}
	s.registered = true
	return nil
}

// Unregister removes the filters.
func (s *SimProvider) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = false
	return nil
}

// Registered reports whether filters are installed.
func (s *SimProvider) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// SetProcess records the owner of a flow.
func (s *SimProvider) SetProcess(key flow.Key, pid uint64, executable string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[key] = simProcess{pid: pid, executable: executable}
	if executable != "" {
		s.executable[pid] = executable
	}
}

// ProcessID returns the owner recorded with SetProcess, or 0.
func (s *SimProvider) ProcessID(key flow.Key) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes[key].pid, nil
}

// Executable returns the executable recorded for pid.
func (s *SimProvider) Executable(pid uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exe, ok := s.executable[pid]
	if !ok {
		return "", errors.Errorf(errors.KindNotFound, "no executable for pid %d", pid)
	}
	return exe, nil
}

// FailInject makes subsequent injections fail with err. Nil restores success.
func (s *SimProvider) FailInject(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injectErr = err
}

// FailPend makes subsequent Pend calls fail with err.
func (s *SimProvider) FailPend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendErr = err
}

// FailRegister makes Register fail with err.
func (s *SimProvider) FailRegister(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerErr = err
}

// Inject records the packet tagged with the inject mark.
func (s *SimProvider) Inject(data []byte, info InjectInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injectErr != nil {
		return s.injectErr
	}
	s.injected = append(s.injected, InjectedPacket{Data: slices.Clone(data), Info: info, Mark: s.cfg.InjectMark})
	return nil
}

// WasInjected reports whether mark is the inject mark.
func (s *SimProvider) WasInjected(mark uint32) bool {
	return mark == s.cfg.InjectMark
}

// Injected returns every injected packet in order.
func (s *SimProvider) Injected() []InjectedPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.injected)
}

// Send feeds one packet through both layers. Packets that fail to parse only
// reach the packet layer.
func (s *SimProvider) Send(data []byte, direction flow.Direction, mark uint32) *SimClassification {
	pev := &PacketEvent{
		Data:      data,
		Direction: direction,
		Mark:      mark,
		Inject:    InjectInfo{Inbound: direction == flow.Inbound},
	}
	key, err := packet.ParseKey(data, direction)
	if err != nil {
		return s.dispatch(nil, pev)
	}
	pid, _ := s.ProcessID(key)
	auth := &AuthEvent{
		Key:       key,
		Direction: direction,
		ProcessID: pid,
		Mark:      mark,
		Inject:    pev.Inject,
	}
	pev.Inject.Loopback = key.IsLoopback()
	auth.Inject.Loopback = key.IsLoopback()
	return s.dispatch(auth, pev)
}

// SendAuth delivers a connection-level event only.
func (s *SimProvider) SendAuth(ev *AuthEvent) *SimClassification {
	return s.dispatch(ev, nil)
}

// SendPacket delivers a packet-level event only.
func (s *SimProvider) SendPacket(ev *PacketEvent) *SimClassification {
	return s.dispatch(nil, ev)
}

// ReplayInjected sends every injected packet back through the stack, the way
// the OS would observe them.
func (s *SimProvider) ReplayInjected() []*SimClassification {
	var out []*SimClassification
	for _, p := range s.Injected() {
		dir := flow.Outbound
		if p.Info.Inbound {
			dir = flow.Inbound
		}
		out = append(out, s.Send(p.Data, dir, p.Mark))
	}
	return out
}

func (s *SimProvider) dispatch(auth *AuthEvent, pev *PacketEvent) *SimClassification {
	c := &SimClassification{provider: s}
	if auth != nil && pev != nil && !s.cfg.HoldPackets {
		auth.Packet = pev.Data
	}
	c.resume = func() {
		if auth == nil {
			s.run(nil, pev, c)
			return
		}
		again := *auth
		again.Reauthorize = false
		again.Packet = nil
		if s.cfg.HoldPackets {
			s.run(&again, pev, c)
		} else {
			s.run(&again, nil, c)
		}
	}
	s.run(auth, pev, c)
	return c
}

func (s *SimProvider) run(auth *AuthEvent, pev *PacketEvent, c *SimClassification) {
	h := s.attached()
	if h == nil {
		c.Permit()
		return
	}
	Dispatch(h, auth, pev, c)
}

// CloseEndpoint delivers an endpoint closure callout.
func (s *SimProvider) CloseEndpoint(key flow.Key) {
	if h := s.attached(); h != nil {
		h.HandleEndpointClosure(key)
	}
}

// ReleasePort delivers a resource release callout.
func (s *SimProvider) ReleasePort(family flow.Family, pk flow.PortKey, processID uint64) {
	if h := s.attached(); h != nil {
		h.HandlePortRelease(family, pk, processID)
	}
}

// SimClassification records the decisions taken for one packet.
type SimClassification struct {
	provider *SimProvider
	resume   func()

	mu        sync.Mutex
	action    connection.Action
	decisions int
	pended    bool
	completed bool
	aborted   bool
	once      sync.Once
}

func (c *SimClassification) decide(a connection.Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.action = a
	c.pended = false
	c.decisions++
}

func (c *SimClassification) Permit() { c.decide(connection.ActionPermit) }
func (c *SimClassification) Block()  { c.decide(connection.ActionBlock) }
func (c *SimClassification) Absorb() { c.decide(connection.ActionAbsorb) }

// Pend parks the classification.
func (c *SimClassification) Pend() (Token, error) {
	c.provider.mu.Lock()
	err := c.provider.pendErr
	c.provider.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pended = true
	c.action = connection.ActionPending
	c.decisions++
	c.mu.Unlock()
	return &simToken{c: c}, nil
}

// Action returns the last decision. ActionPending while parked.
func (c *SimClassification) Action() connection.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.action
}

// Pended reports whether the classification is parked.
func (c *SimClassification) Pended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pended
}

// Completed reports whether the token was completed.
func (c *SimClassification) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Aborted reports whether the token was aborted.
func (c *SimClassification) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// Decisions returns how many decisions were taken, pends included.
func (c *SimClassification) Decisions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decisions
}

type simToken struct {
	c *SimClassification
}

func (t *simToken) Complete() {
	t.c.once.Do(func() {
		t.c.mu.Lock()
		t.c.completed = true
		t.c.mu.Unlock()
		t.c.resume()
	})
}

func (t *simToken) Abort() {
	t.c.once.Do(func() {
		t.c.mu.Lock()
		t.c.aborted = true
		t.c.mu.Unlock()
		t.c.decide(connection.ActionAbsorb)
	})
}
