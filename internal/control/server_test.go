package control

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/wangmice/tinc/internal/registry"
)

type stubController struct {
	table       *registry.Table
	shutdownReq bool
	reloadReq   bool
	purged      bool
	retried     bool
	debugLevel  int
}

func (s *stubController) Table() *registry.Table  { return s.table }
func (s *stubController) RequestShutdown()        { s.shutdownReq = true }
func (s *stubController) RequestReload()          { s.reloadReq = true }
func (s *stubController) SetDebugLevel(level int) { s.debugLevel = level }
func (s *stubController) RetryAll()               { s.retried = true }
func (s *stubController) Purge()                  { s.purged = true }
func (s *stubController) Version() string         { return "17.3" }

func startTestServer(t *testing.T) (*Server, *stubController, string) {
	t.Helper()

	topo := registry.NewTopology("self")
	logger, _ := test.NewNullLogger()
	table := registry.NewTable(topo, logger)
	ctrl := &stubController{table: table}

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	srv, err := Listen(sockPath, ctrl, logger)
	require.NoError(t, err)

	go srv.Serve() //nolint:errcheck
	t.Cleanup(func() { srv.Close() })

	return srv, ctrl, sockPath
}

func dialAndHello(t *testing.T, sockPath string) (net.Conn, *bufio.Scanner) {
	t.Helper()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan()) // banner
	require.True(t, strings.HasPrefix(scanner.Text(), "CONTROL "))

	_, err = conn.Write([]byte(ClientHello() + "\n"))
	require.NoError(t, err)

	return conn, scanner
}

func TestControlStopSendsAck(t *testing.T) {
	_, ctrl, sockPath := startTestServer(t)
	conn, scanner := dialAndHello(t, sockPath)
	defer conn.Close()

	_, err := conn.Write([]byte(string(CmdStop) + "\n"))
	require.NoError(t, err)

	require.True(t, scanner.Scan())
	require.Equal(t, string(CmdAck), scanner.Text())
	require.True(t, ctrl.shutdownReq)
}

func TestControlDumpTrafficSentinel(t *testing.T) {
	_, _, sockPath := startTestServer(t)
	conn, scanner := dialAndHello(t, sockPath)
	defer conn.Close()

	_, err := conn.Write([]byte(string(CmdDumpTraffic) + "\n"))
	require.NoError(t, err)

	// The topology always holds the self node, so its counters come
	// first, followed by the sentinel.
	require.True(t, scanner.Scan())
	require.Equal(t, "CONTROL DUMP_TRAFFIC self 0 0 0 0", scanner.Text())

	require.True(t, scanner.Scan())
	require.Equal(t, "CONTROL DUMP_TRAFFIC", scanner.Text())
}

func TestControlBadMagicCloses(t *testing.T) {
	_, _, sockPath := startTestServer(t)

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan()) // banner

	_, err = conn.Write([]byte("CONTROL wrong-magic\n"))
	require.NoError(t, err)

	require.False(t, scanner.Scan())
}

func TestCloseRemovesSocketFile(t *testing.T) {
	srv, _, sockPath := startTestServer(t)
	require.NoError(t, srv.Close())
	_, err := os.Stat(sockPath)
	require.True(t, os.IsNotExist(err))
}
