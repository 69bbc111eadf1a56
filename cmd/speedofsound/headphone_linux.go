//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// epollWaitMS bounds each epoll_wait so cancellation is noticed promptly.
const epollWaitMS = 250

// eviocgsw builds the EVIOCGSW(len) ioctl request: _IOC(_IOC_READ, 'E', 0x1b, len).
func eviocgsw(length int) uintptr {
	const iocRead = 2
	return uintptr(iocRead<<30 | length<<16 | 'E'<<8 | 0x1b)
}

// HeadphoneJack watches the switch events of the codec's jack input device
// and answers live "is a headset plugged in" queries with EVIOCGSW.
type HeadphoneJack struct {
	device string
	logger *slog.Logger
}

func NewHeadphoneJack(device string, logger *slog.Logger) *HeadphoneJack {
	return &HeadphoneJack{device: device, logger: logger}
}

// Connected reads the current switch state from the kernel.
func (h *HeadphoneJack) Connected(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fd, err := unix.Open(h.device, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", h.device, err)
	}
	defer unix.Close(fd)

	return readHeadphoneSwitch(fd)
}

func readHeadphoneSwitch(fd int) (bool, error) {
	bits := make([]byte, (SW_MAX+7)/8+1)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), eviocgsw(len(bits)), uintptr(unsafe.Pointer(&bits[0])))
	if errno != 0 {
		return false, fmt.Errorf("EVIOCGSW: %w", errno)
	}
	return switchBit(bits, SW_HEADPHONE_INSERT), nil
}

// Run forwards jack changes as HeadphoneChanged events until ctx is canceled.
// The current state is reported first so the daemon starts in sync.
func (h *HeadphoneJack) Run(ctx context.Context, events chan<- Event) error {
	fd, err := unix.Open(h.device, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", h.device, err)
	}
	defer unix.Close(fd)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("epoll_ctl_add fd=%d: %w", fd, err)
	}

	if connected, err := readHeadphoneSwitch(fd); err != nil {
		h.logger.Warn("could not read initial headphone state", "device", h.device, "error", err)
	} else if !h.send(ctx, events, connected) {
		return nil
	}

	h.logger.Info("watching headphone jack", "device", h.device)

	epollEvents := make([]unix.EpollEvent, 4)
	buf := make([]byte, inputEventSize*32)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.EpollWait(epfd, epollEvents, epollWaitMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				return fmt.Errorf("device error/hangup: %s", h.device)
			}

			nr, err := unix.Read(fd, buf)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) {
					continue
				}
				return fmt.Errorf("read from %s: %w", h.device, err)
			}

			for _, ev := range decodeInputEvents(buf[:nr]) {
				connected, ok := headphoneEvent(ev)
				if !ok {
					continue
				}
				if !h.send(ctx, events, connected) {
					return nil
				}
			}
		}
	}
}

func (h *HeadphoneJack) send(ctx context.Context, events chan<- Event, connected bool) bool {
	h.logger.Debug("headphone jack", "connected", connected)
	select {
	case events <- HeadphoneChanged{Connected: connected}:
		return true
	case <-ctx.Done():
		return false
	}
}
