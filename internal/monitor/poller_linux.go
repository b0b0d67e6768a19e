//go:build linux

package monitor

import (
	"os"

	"golang.org/x/sys/unix"
)

// epollPoller watches pressure files for EPOLLPRI, the class the kernel
// raises when a PSI trigger fires. Plain readability never fires for them.
type epollPoller struct {
	fd        int
	events    [1]unix.EpollEvent
	epollWait func(epfd int, events []unix.EpollEvent, msec int) (int, error)
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollPoller{fd: fd, epollWait: unix.EpollWait}, nil
}

func (p *epollPoller) add(fd uintptr, id TriggerID) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLPRI,
		Fd:     int32(id),
	}
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, int(fd), &ev))
}

func (p *epollPoller) wait() (readiness, error) {
	for {
		n, err := p.epollWait(p.fd, p.events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return readiness{}, os.NewSyscallError("epoll_wait", err)
		}
		if n == 0 {
			continue
		}
		ev := p.events[0]
		return readiness{
			id:  TriggerID(uint32(ev.Fd)),
			err: ev.Events&unix.EPOLLERR != 0,
		}, nil
	}
}

func (p *epollPoller) close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

// openTriggerFile opens a pressure file read-write in blocking mode. The
// descriptor has to stay open for as long as the trigger should stay armed.
func openTriggerFile(path string) (triggerFile, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}
