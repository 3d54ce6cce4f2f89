package reactor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ListenTCP opens a dual-stack (AF_INET6 with IPV6_V6ONLY disabled) TCP
// listener on port, falling back to AF_INET if IPv6 socket creation
// fails, and registers it in the pool's listener set. allowRemote selects
// between the wildcard and loopback bind address, matching
// slots_listen_tcp()'s allow_remote parameter. The listen backlog is
// deliberately 1: once the pool is full, new connection attempts queue in
// the kernel and get reset quickly rather than accumulating, which is the
// reactor's load-shedding behavior.
func (p *Pool) ListenTCP(port int, allowRemote bool) error {
	listenIdx := p.findEmptyListener()
	if listenIdx < 0 {
		return fmt.Errorf("reactor: listener table full")
	}

	fd, sa, err := tcpSocketAndAddr(port, allowRemote)
	if err != nil {
		return err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("reactor: setsockopt SO_REUSEADDR: %w", err)
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("reactor: bind: %w", err)
	}

	if err := unix.Listen(fd, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("reactor: listen: %w", err)
	}

	p.listen[listenIdx] = fd
	return nil
}

// tcpSocketAndAddr builds the dual-stack IPv6 socket+address, falling back
// to IPv4 if the AF_INET6 socket() call itself fails (e.g. IPv6 disabled).
func tcpSocketAndAddr(port int, allowRemote bool) (int, unix.Sockaddr, error) {
	fd6, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err == nil {
		if err := unix.SetsockoptInt(fd6, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			_ = unix.Close(fd6)
		} else {
			sa := &unix.SockaddrInet6{Port: port}
			if !allowRemote {
				sa.Addr = [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1} // ::1
			}
			return fd6, sa, nil
		}
	}

	fd4, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("reactor: socket: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	if !allowRemote {
		sa.Addr = [4]byte{127, 0, 0, 1}
	}
	return fd4, sa, nil
}

// ListenUnix opens a Unix-domain stream listener at path, removing any
// stale socket file first, optionally applying mode (fchmod) and uid/gid
// (chown) once bound, mirroring slots_listen_unix(). Pass mode == 0 or
// uid/gid == -1 to skip the corresponding call.
func (p *Pool) ListenUnix(path string, mode uint32, uid, gid int) error {
	listenIdx := p.findEmptyListener()
	if listenIdx < 0 {
		return fmt.Errorf("reactor: listener table full")
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("reactor: socket: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		_ = unix.Close(fd)
		return fmt.Errorf("reactor: remove stale socket: %w", err)
	}

	sa := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("reactor: bind: %w", err)
	}

	if mode != 0 {
		_ = unix.Fchmod(fd, mode)
	}
	if uid != -1 && gid != -1 {
		_ = os.Chown(path, uid, gid)
	}

	if err := unix.Listen(fd, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("reactor: listen: %w", err)
	}

	p.listen[listenIdx] = fd
	return nil
}
