package control

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/wangmice/tinc/internal/daemonerr"
)

// checkPeerUID verifies the connecting process belongs to the daemon's
// own uid via SO_PEERCRED on the UNIX-domain socket: only the owning
// user may connect.
func checkPeerUID(c net.Conn) error {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return daemonerr.New(daemonerr.KindAuth, errNotUnixSocket)
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return daemonerr.New(daemonerr.KindIO, err)
	}

	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return daemonerr.New(daemonerr.KindIO, err)
	}
	if sockErr != nil {
		return daemonerr.New(daemonerr.KindIO, sockErr)
	}

	if int(cred.Uid) != os.Getuid() {
		return daemonerr.Newf(daemonerr.KindAuth, "control connection from uid %d rejected (daemon runs as uid %d)", cred.Uid, os.Getuid())
	}

	return nil
}

type ucredError string

func (e ucredError) Error() string { return string(e) }

const errNotUnixSocket = ucredError("control connection is not over a UNIX-domain socket")
