package epoll

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"obfs-proxy/internal/domain"
)

// LinuxEventLoop is an edge-triggered epoll loop. Posted tasks are queued
// under a mutex and signalled through an eventfd, so Post works from any goroutine.
type LinuxEventLoop struct {
	epollFD int
	wakeFD  int
	log     *slog.Logger

	mu      sync.Mutex
	tasks   []func()
	stopped bool
}

func New(log *slog.Logger) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	l := &LinuxEventLoop{epollFD: fd, wakeFD: wfd, log: log}
	if err := l.Register(wfd, domain.EventRead); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET, // Edge-triggered
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Post queues task for a later turn of the loop.
func (l *LinuxEventLoop) Post(task func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()
	l.wake()
}

func (l *LinuxEventLoop) wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(l.wakeFD, one[:]); err != nil && err != unix.EAGAIN {
		l.log.Error("Event loop wakeup failed", "error", err)
	}
}

func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(l.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			evMask := events[i].Events

			if fd == l.wakeFD {
				if l.runTasks() {
					return nil
				}
				continue
			}

			var domainEv domain.EventType
			// Errors and hangups surface through the next read.
			if evMask&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
				domainEv |= domain.EventRead
			}
			if evMask&unix.EPOLLOUT != 0 {
				domainEv |= domain.EventWrite
			}

			if err := handler.HandleEvent(fd, domainEv); err != nil {
				l.log.Error("Error handling event", "fd", fd, "error", err)
			}
		}
	}
}

// runTasks runs the tasks queued so far. Tasks they post run on a later turn.
func (l *LinuxEventLoop) runTasks() (stopped bool) {
	var counter [8]byte
	unix.Read(l.wakeFD, counter[:])

	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	stopped = l.stopped
	l.mu.Unlock()

	if stopped {
		return true
	}
	for _, task := range tasks {
		task()
	}
	return false
}

// Stop makes Run return on its next turn. Safe from any goroutine.
func (l *LinuxEventLoop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.wake()
}

// Close releases the loop's descriptors. Call it after Run has returned.
func (l *LinuxEventLoop) Close() error {
	unix.Close(l.wakeFD)
	return unix.Close(l.epollFD)
}
