// Package control implements the local administrative control channel:
// a UNIX-domain stream listener offering a privileged
// codeset (STOP, RELOAD, DUMP_*, PURGE, SET_DEBUG, RETRY) distinct from
// the meta-protocol's peer codeset, gated by local peer-credential
// checks rather than a handshake.
package control

import (
	"fmt"
)

// Command is one of the control channel's literal request words:
// unlike the meta-protocol, the control channel's first token
// is a word, not a decimal code, since it is a privileged local
// administrative surface rather than a wire protocol between daemons.
type Command string

const (
	CmdStop            Command = "STOP"
	CmdReload          Command = "RELOAD"
	CmdDumpNodes       Command = "DUMP_NODES"
	CmdDumpEdges       Command = "DUMP_EDGES"
	CmdDumpSubnets     Command = "DUMP_SUBNETS"
	CmdDumpConnections Command = "DUMP_CONNECTIONS"
	CmdDumpTraffic     Command = "DUMP_TRAFFIC"
	CmdPurge           Command = "PURGE"
	CmdSetDebug        Command = "SET_DEBUG"
	CmdRetry           Command = "RETRY"
	CmdAck             Command = "ACK"
	CmdControl         Command = "CONTROL"
)

// Magic is the value a client must present in its opening line; a
// mismatch closes the connection.
const Magic = "tincctl-1"

// Banner renders the daemon's opening line on accept:
// "CONTROL <version> <pid>".
func Banner(version string, pid int) string {
	return fmt.Sprintf("%s %s %d", CmdControl, version, pid)
}

// ClientHello renders the client's opening line.
func ClientHello() string {
	return fmt.Sprintf("%s %s", CmdControl, Magic)
}

// sentinel renders the zero-operand terminator line for a dump block:
// the same request word with no operands marks the frame boundary.
func sentinel(cmd Command) string {
	return fmt.Sprintf("%s %s", CmdControl, cmd)
}
