package main

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wangmice/tinc/internal/control"
	"github.com/wangmice/tinc/internal/daemonerr"
)

// Client is a thin wire client for the control channel's DUMP_TRAFFIC
// subprotocol: it speaks the same line framing the
// daemon's own control.Server implements, reusing that package's
// Command constants and ClientHello rather than re-declaring them.
type Client struct {
	conn   net.Conn
	reader *bufio.Scanner
	writer *bufio.Writer
}

// NodeTraffic is one line of a DUMP_TRAFFIC block.
type NodeTraffic struct {
	Name       string
	InPackets  uint64
	InBytes    uint64
	OutPackets uint64
	OutBytes   uint64
}

// Dial connects to the control socket at path, consumes the daemon's
// banner line, and presents the client's magic handshake ("CONTROL
// <magic>"; mismatch closes the
// connection").
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, daemonerr.New(daemonerr.KindIO, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 4096)

	if !scanner.Scan() {
		conn.Close()
		return nil, daemonerr.Newf(daemonerr.KindIO, "control socket closed before banner")
	}

	c := &Client{conn: conn, reader: scanner, writer: bufio.NewWriter(conn)}

	if err := c.writeLine(control.ClientHello()); err != nil {
		conn.Close()
		return nil, err
	}

	return c, nil
}

func (c *Client) writeLine(line string) error {
	if _, err := c.writer.WriteString(line + "\n"); err != nil {
		return daemonerr.New(daemonerr.KindIO, err)
	}
	if err := c.writer.Flush(); err != nil {
		return daemonerr.New(daemonerr.KindIO, err)
	}
	return nil
}

// DumpTraffic issues DUMP_TRAFFIC and reads its sentinel-terminated
// block.
func (c *Client) DumpTraffic() ([]NodeTraffic, error) {
	if err := c.writeLine(string(control.CmdDumpTraffic)); err != nil {
		return nil, err
	}

	sentinel := fmt.Sprintf("%s %s", control.CmdControl, control.CmdDumpTraffic)

	var out []NodeTraffic
	for c.reader.Scan() {
		line := c.reader.Text()
		if line == sentinel {
			return out, nil
		}

		nt, err := parseTrafficLine(line)
		if err != nil {
			continue
		}
		out = append(out, nt)
	}

	if err := c.reader.Err(); err != nil {
		return nil, daemonerr.New(daemonerr.KindIO, err)
	}

	return nil, daemonerr.Newf(daemonerr.KindIO, "control connection closed mid-dump")
}

func parseTrafficLine(line string) (NodeTraffic, error) {
	fields := strings.Fields(line)
	if len(fields) != 7 || fields[0] != string(control.CmdControl) || fields[1] != string(control.CmdDumpTraffic) {
		return NodeTraffic{}, daemonerr.Newf(daemonerr.KindProtocol, "malformed DUMP_TRAFFIC line %q", line)
	}

	inP, err1 := strconv.ParseUint(fields[3], 10, 64)
	inB, err2 := strconv.ParseUint(fields[4], 10, 64)
	outP, err3 := strconv.ParseUint(fields[5], 10, 64)
	outB, err4 := strconv.ParseUint(fields[6], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return NodeTraffic{}, daemonerr.Newf(daemonerr.KindProtocol, "malformed DUMP_TRAFFIC counters %q", line)
	}

	return NodeTraffic{Name: fields[2], InPackets: inP, InBytes: inB, OutPackets: outP, OutBytes: outB}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
