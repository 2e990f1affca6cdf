package testutils

import (
	"fmt"
	"slices"

	"github.com/pior/memproxy/internal/netpoll"
)

type registration struct {
	interest netpoll.Interest
	handler  netpoll.Handler
}

// PollerMock records registrations. Tests deliver readiness with Fire.
type PollerMock struct {
	regs map[int]*registration

	RegisterErr error
	ModifyErr   error

	Registered   []int
	Unregistered []int
}

var _ netpoll.Poller = (*PollerMock)(nil)

func NewPollerMock() *PollerMock {
	return &PollerMock{regs: make(map[int]*registration)}
}

func (p *PollerMock) Register(fd int, in netpoll.Interest, h netpoll.Handler) error {
	if p.RegisterErr != nil {
		return p.RegisterErr
	}
	if _, ok := p.regs[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	p.regs[fd] = &registration{interest: in, handler: h}
	p.Registered = append(p.Registered, fd)
	return nil
}

func (p *PollerMock) Modify(fd int, in netpoll.Interest) error {
	if p.ModifyErr != nil {
		return p.ModifyErr
	}
	reg, ok := p.regs[fd]
	if !ok {
		return netpoll.ErrNotRegistered
	}
	reg.interest = in
	return nil
}

func (p *PollerMock) Unregister(fd int) error {
	if _, ok := p.regs[fd]; !ok {
		return netpoll.ErrNotRegistered
	}
	delete(p.regs, fd)
	p.Unregistered = append(p.Unregistered, fd)
	return nil
}

// Interest returns the current interest of fd.
func (p *PollerMock) Interest(fd int) (netpoll.Interest, bool) {
	reg, ok := p.regs[fd]
	if !ok {
		return netpoll.None, false
	}
	return reg.interest, true
}

// IsRegistered reports whether fd is registered.
func (p *PollerMock) IsRegistered(fd int) bool {
	_, ok := p.regs[fd]
	return ok
}

// Fire delivers one readiness event to fd, for the interest it waits for.
// It reports false when fd is not registered or paused.
func (p *PollerMock) Fire(fd int) bool {
	reg, ok := p.regs[fd]
	if !ok || reg.interest == netpoll.None {
		return false
	}
	reg.handler.HandleEvent(reg.interest)
	return true
}

// Len returns the number of registered descriptors.
func (p *PollerMock) Len() int {
	return len(p.regs)
}

// FDs returns the registered descriptors in increasing order.
func (p *PollerMock) FDs() []int {
	fds := make([]int, 0, len(p.regs))
	for fd := range p.regs {
		fds = append(fds, fd)
	}
	slices.Sort(fds)
	return fds
}
