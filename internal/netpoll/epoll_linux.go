package netpoll

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const readEvents = unix.EPOLLIN | unix.EPOLLRDHUP

type registration struct {
	handler  Handler
	interest Interest
	armed    bool
	gen      uint32
}

// Loop is a level-triggered epoll poller. Register, Modify, Unregister and
// Close must be called from the goroutine running Run, or while it is not
// running.
type Loop struct {
	epfd   int
	wakeMu sync.Mutex
	wakefd int
	regs   map[int]*registration
	gen    uint32
	events []unix.EpollEvent
	closed bool
}

var _ Poller = (*Loop)(nil)

// NewLoop creates an epoll instance returning at most maxEvents per wait.
func NewLoop(maxEvents int) (*Loop, error) {
	if maxEvents <= 0 {
		maxEvents = 256
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("netpoll: epoll_create: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("netpoll: eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("netpoll: epoll_ctl: %w", err)
	}

	return &Loop{
		epfd:   epfd,
		wakefd: wakefd,
		regs:   make(map[int]*registration),
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (l *Loop) Register(fd int, in Interest, h Handler) error {
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.regs[fd]; ok {
		return fmt.Errorf("netpoll: fd %d already registered", fd)
	}

	l.gen++
	reg := &registration{handler: h, gen: l.gen}
	l.regs[fd] = reg
	if err := l.arm(fd, reg, in); err != nil {
		delete(l.regs, fd)
		return err
	}
	return nil
}

func (l *Loop) Modify(fd int, in Interest) error {
	reg, ok := l.regs[fd]
	if !ok {
		return ErrNotRegistered
	}
	if reg.interest == in && reg.armed == (in != None) {
		return nil
	}
	return l.arm(fd, reg, in)
}

func (l *Loop) Unregister(fd int) error {
	reg, ok := l.regs[fd]
	if !ok {
		return ErrNotRegistered
	}
	delete(l.regs, fd)
	if reg.armed {
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("netpoll: epoll_ctl del: %w", err)
		}
	}
	return nil
}

// arm applies in to the kernel registration. Paused descriptors are removed
// from the epoll set since level-triggered hangups would fire even with an
// empty event mask.
func (l *Loop) arm(fd int, reg *registration, in Interest) error {
	reg.interest = in

	if in == None {
		if !reg.armed {
			return nil
		}
		reg.armed = false
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("netpoll: epoll_ctl del: %w", err)
		}
		return nil
	}

	ev := unix.EpollEvent{Fd: int32(fd), Pad: int32(reg.gen)}
	if in == Read {
		ev.Events = readEvents
	} else {
		ev.Events = unix.EPOLLOUT
	}

	op := unix.EPOLL_CTL_MOD
	if !reg.armed {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(l.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("netpoll: epoll_ctl: %w", err)
	}
	reg.armed = true
	return nil
}

// Run dispatches events until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if l.closed {
		return ErrClosed
	}

	stop := context.AfterFunc(ctx, l.wake)
	defer stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.EpollWait(l.epfd, l.events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("netpoll: epoll_wait: %w", err)
		}

		l.dispatch(l.events[:n])
	}
}

func (l *Loop) dispatch(events []unix.EpollEvent) {
	for i := range events {
		ev := &events[i]
		fd := int(ev.Fd)

		if fd == l.wakefd {
			var buf [8]byte
			_, _ = unix.Read(l.wakefd, buf[:])
			continue
		}

		// The descriptor may have been closed, reused or re-armed by a
		// handler that ran earlier in this batch.
		reg, ok := l.regs[fd]
		if !ok || !reg.armed || reg.gen != uint32(ev.Pad) {
			continue
		}
		if !ready(reg.interest, ev.Events) {
			continue
		}
		reg.handler.HandleEvent(reg.interest)
	}
}

func ready(in Interest, events uint32) bool {
	const failure = unix.EPOLLERR | unix.EPOLLHUP
	switch in {
	case Read:
		return events&(readEvents|failure) != 0
	case Write:
		return events&(unix.EPOLLOUT|failure) != 0
	}
	return false
}

func (l *Loop) wake() {
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	if l.wakefd < 0 {
		return
	}
	one := [8]byte{1}
	_, _ = unix.Write(l.wakefd, one[:])
}

// Len returns the number of registered descriptors.
func (l *Loop) Len() int {
	return len(l.regs)
}

// Close releases the epoll instance. Registered descriptors are not closed.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	clear(l.regs)

	l.wakeMu.Lock()
	_ = unix.Close(l.wakefd)
	l.wakefd = -1
	l.wakeMu.Unlock()

	return unix.Close(l.epfd)
}
