package control

import (
	"bufio"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wangmice/tinc/internal/registry"
)

// Controller is the set of daemon-wide operations the control channel
// can trigger. It is implemented by the main loop so
// this package never reaches into daemon state directly.
type Controller interface {
	Table() *registry.Table
	RequestShutdown()
	RequestReload()
	SetDebugLevel(level int)
	RetryAll()
	Purge()
	Version() string
}

// Server listens on a UNIX-domain socket and serves the privileged
// control codeset to local, same-uid clients.
type Server struct {
	listener net.Listener
	ctrl     Controller
	logger   *logrus.Logger
}

// Listen binds a UNIX-domain socket at path. Any stale socket file
// left by a previous, uncleanly-terminated process is removed first —
// the same idiom the daemon's PID-lock takes with a stale lock file.
func Listen(path string, ctrl Controller, logger *logrus.Logger) (*Server, error) {
	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	return &Server{listener: l, ctrl: ctrl, logger: logger}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close tears down the listener and removes the socket file.
func (s *Server) Close() error {
	addr := s.listener.Addr().String()
	err := s.listener.Close()
	_ = os.Remove(addr)
	return err
}

// Serve accepts connections until the listener is closed. Each
// connection is handled synchronously per line but connections
// themselves are independent — the control channel doesn't share the
// single-goroutine-owns-the-registry constraint the meta-protocol
// engine has, since Controller methods are safe to call concurrently.
func (s *Server) Serve() error {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return err
		}

		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	defer c.Close()

	if err := checkPeerUID(c); err != nil {
		s.logger.WithError(err).Warn("rejecting control connection")
		return
	}

	w := bufio.NewWriter(c)
	writeLine := func(line string) error {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
		return w.Flush()
	}

	if err := writeLine(Banner(s.ctrl.Version(), os.Getpid())); err != nil {
		return
	}

	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 4096), 4096)

	if !scanner.Scan() {
		return
	}

	hello := strings.Fields(scanner.Text())
	if len(hello) != 2 || hello[0] != string(CmdControl) || hello[1] != Magic {
		s.logger.Warn("control client presented bad magic, closing")
		return
	}

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if err := s.dispatch(Command(fields[0]), fields[1:], writeLine); err != nil {
			s.logger.WithError(err).Warn("control channel request failed")
			return
		}
	}
}

func (s *Server) dispatch(cmd Command, args []string, writeLine func(string) error) error {
	switch cmd {
	case CmdStop:
		s.ctrl.RequestShutdown()
		return writeLine(string(CmdAck))

	case CmdReload:
		s.ctrl.RequestReload()
		return writeLine(string(CmdAck))

	case CmdDumpNodes:
		return writeLines(writeLine, DumpNodes(s.ctrl.Table().Topology()))

	case CmdDumpEdges:
		return writeLines(writeLine, DumpEdges(s.ctrl.Table().Topology()))

	case CmdDumpSubnets:
		return writeLines(writeLine, DumpSubnets(s.ctrl.Table().Topology()))

	case CmdDumpConnections:
		return writeLines(writeLine, DumpConnections(s.ctrl.Table()))

	case CmdDumpTraffic:
		return writeLines(writeLine, DumpTraffic(s.ctrl.Table().Topology()))

	case CmdPurge:
		s.ctrl.Purge()
		return writeLine(string(CmdAck))

	case CmdSetDebug:
		if len(args) < 1 {
			return writeLine(string(CmdAck))
		}
		level, err := strconv.Atoi(args[0])
		if err == nil {
			s.ctrl.SetDebugLevel(level)
		}
		return writeLine(string(CmdAck))

	case CmdRetry:
		s.ctrl.RetryAll()
		return writeLine(string(CmdAck))

	default:
		return writeLine(string(CmdAck))
	}
}

func writeLines(writeLine func(string) error, lines []string) error {
	for _, l := range lines {
		if err := writeLine(l); err != nil {
			return err
		}
	}
	return nil
}
