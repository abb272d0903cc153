package spawner

import (
	"net"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/passenger-oss/appserver/internal/perrors"
)

// netFileConn wraps an *os.File holding a connected socket fd as a
// net.Conn, closing the original file descriptor's ownership over to
// the returned conn.
func netFileConn(f *os.File) (net.Conn, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, &perrors.SystemError{Op: "net.FileConn", Err: err}
	}
	// net.FileConn dup()s the fd; the original descriptor is no longer
	// needed once the conn exists.
	f.Close()
	return conn, nil
}

// lookupCredential resolves username to a syscall.Credential suitable
// for exec.Cmd.SysProcAttr, for lowering the spawn server's privilege.
func lookupCredential(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, &perrors.SystemError{Op: "user.Lookup", Err: err}
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, &perrors.SystemError{Op: "parse uid", Err: err}
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, &perrors.SystemError{Op: "parse gid", Err: err}
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
