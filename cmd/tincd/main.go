// Command tincd is the daemon entrypoint: it wires every component in
// internal/ together into the single running process.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wangmice/tinc/internal/config"
	"github.com/wangmice/tinc/internal/control"
	"github.com/wangmice/tinc/internal/crashrestart"
	"github.com/wangmice/tinc/internal/daemonerr"
	"github.com/wangmice/tinc/internal/daemonstate"
	"github.com/wangmice/tinc/internal/dataplane"
	"github.com/wangmice/tinc/internal/detach"
	"github.com/wangmice/tinc/internal/discovery"
	"github.com/wangmice/tinc/internal/hostdir"
	"github.com/wangmice/tinc/internal/ident"
	"github.com/wangmice/tinc/internal/logging"
	"github.com/wangmice/tinc/internal/mainloop"
	"github.com/wangmice/tinc/internal/metaproto"
	"github.com/wangmice/tinc/internal/metaproto/metacrypt"
	"github.com/wangmice/tinc/internal/privdrop"
	"github.com/wangmice/tinc/internal/registry"
	"github.com/wangmice/tinc/internal/scripts"
	"github.com/wangmice/tinc/internal/sigdispatch"
)

// version is the human-readable build string reported by --version
// and in the control channel's banner. The ID line carries
// metaproto.ProtocolVersion instead, which governs wire compatibility.
const version = "1.0.0-devel"

type cliFlags struct {
	configFile string
	noDetach   bool
	debug      int
	kill       bool
	netName    string
	timeout    int
}

func main() {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:     "tincd",
		Short:   "tinc VPN mesh daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}

	pf := root.Flags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "configuration file (default <confdir>/tinc[/<net>]/tincd.conf)")
	pf.BoolVarP(&flags.noDetach, "no-detach", "D", false, "don't detach from the controlling terminal")
	pf.CountVarP(&flags.debug, "debug", "d", "increase debug verbosity (repeatable)")
	pf.BoolVarP(&flags.kill, "kill", "k", false, "kill a running tincd for this net and exit")
	pf.StringVarP(&flags.netName, "net", "n", "", "net name, selects the configuration tree and PID file")
	pf.IntVarP(&flags.timeout, "timeout", "t", 0, "override ping timeout in seconds")

	root.SetVersionTemplate(fmt.Sprintf("tincd %s\n", version))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// run implements the CLI. Exit codes: 0 success/termination, 1 init
// failure or "already
// running", nonzero on --kill with no peer daemon found.
func run(flags *cliFlags) error {
	id := ident.Identity{NetName: flags.netName, ConfDir: "/etc", RunDir: "/var/run"}

	if flags.kill {
		if err := ident.KillOther(id); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return nil
	}

	configPath := flags.configFile
	if configPath == "" {
		configPath = id.ConfigFile()
	}

	raw, err := loadConfigFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tincd: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Decode(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tincd: %v\n", err)
		os.Exit(1)
	}

	if flags.debug > cfg.DebugLevel {
		cfg.DebugLevel = flags.debug
	}
	if cfg.ControlSocket == "" {
		cfg.ControlSocket = id.ControlSocketPath()
	}
	if flags.timeout > 0 {
		cfg.PingTimeout = time.Duration(flags.timeout) * time.Second
	}

	foreground := flags.noDetach || detach.IsDetachedChild()

	if !foreground {
		// detach.Detach re-execs this binary and never returns; the
		// supervisor parent's process image ends here.
		detach.Detach()
		return nil
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.DebugLevel,
		Ident:  id.SyslogIdent(),
		Syslog: !flags.noDetach,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tincd: %v\n", err)
		os.Exit(1)
	}

	lock, err := ident.Acquire(id)
	if err != nil {
		if daemonerr.Is(err, daemonerr.KindAlreadyRunning) {
			fmt.Fprintln(os.Stderr, err)
		} else {
			logger.WithError(err).Error("failed to acquire PID lock")
		}
		os.Exit(1)
	}

	if detach.IsDetachedChild() {
		if err := detach.ChildInit(); err != nil {
			logger.WithError(err).Error("child initialization failed")
			lock.Release() //nolint:errcheck
			os.Exit(1)
		}
	}

	return runDaemon(cfg, id, lock, logger)
}

// runDaemon builds every collaborator and blocks in the main loop
// until shutdown. Splitting it out of run gives crashrestart.Recover
// a single deferred call site.
func runDaemon(cfg config.Config, id ident.Identity, lock *ident.Lock, logger *logrus.Logger) (err error) {
	state := daemonstate.New(cfg.DebugLevel)
	if detach.IsDetachedChild() {
		state.SupervisorPID = os.Getppid()
	}

	crashrestart.Arm()
	defer crashrestart.Recover(logger, state.Argv, crashrestart.Cleanup{
		UnlinkPIDFile: lock.Release,
	})

	keys, kerr := metacrypt.NewRefKeyAgreement(cfg.NetName)
	if kerr != nil {
		return daemonerr.New(daemonerr.KindCrypto, kerr)
	}

	peers, herr := hostdir.Load(filepath.Join(id.ConfigDir(), "hosts"))
	if herr != nil {
		logger.WithError(herr).Error("failed to load host key directory")
		lock.Release() //nolint:errcheck
		os.Exit(1)
	}
	peers.Trust(keys)

	if cfg.DropPrivileges {
		if derr := privdrop.Drop(); derr != nil {
			logger.WithError(derr).Warn("failed to drop privileges")
		}
	}

	topo := registry.NewTopology(cfg.NetName)
	table := registry.NewTable(topo, logger)
	engine := metaproto.NewEngine(cfg.NetName, table, logger, peers, keys, metacrypt.RefHasher{})
	recon := metaproto.NewReconnector()
	recon.SetBounds(cfg.ReconnectInitial, cfg.ReconnectMax)
	runner := scripts.NewRunner(cfg.ScriptsDir, cfg.NetName, logger)
	sig := sigdispatch.New(logger)
	device := dataplane.Noop{}

	dial := mainloop.Dialer(func(ctx context.Context, addr string, port int) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	})

	loopCfg := mainloop.Config{
		PingInterval:  cfg.PingInterval,
		PingTimeout:   cfg.PingTimeout,
		KeyExpire:     cfg.KeyExpire,
		KeyExpireCron: cfg.KeyExpireCron,
	}
	loop := mainloop.New(loopCfg, state, sig, engine, table, recon, runner, device, logger, cfg.NetName, version, dial, nil)

	targets := connectTargets(cfg, peers)
	if cfg.DiscoverySRV && len(targets) == 0 {
		targets = append(targets, bootstrapTargets(cfg, logger)...)
	}
	loop.Targets(targets)

	ctrl, cerr := control.Listen(cfg.ControlSocket, loop, logger)
	if cerr != nil {
		logger.WithError(cerr).Warn("control channel failed to bind, continuing without it")
	} else {
		loop.SetControl(ctrl)
		go func() {
			if serr := ctrl.Serve(); serr != nil {
				logger.WithError(serr).Debug("control channel listener stopped")
			}
		}()
	}

	listener, lerr := net.Listen("tcp", net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)))
	if lerr != nil {
		logger.WithError(lerr).Error("failed to bind meta-protocol listener")
		lock.Release() //nolint:errcheck
		os.Exit(1)
	}
	go acceptLoop(listener, engine, peers, logger)

	loop.ConnectInitial()

	if detach.IsDetachedChild() {
		if rerr := detach.ReportReady(); rerr != nil {
			logger.WithError(rerr).Warn("failed to report readiness to supervisor")
		}
	}

	logger.WithFields(logrus.Fields{
		"net":      cfg.NetName,
		"instance": state.InstanceID,
	}).Info("tincd started")

	loop.Run()

	listener.Close() //nolint:errcheck
	if ctrl != nil {
		ctrl.Close() //nolint:errcheck
	}
	lock.Release() //nolint:errcheck

	return nil
}

// connectTargets builds the initial ConnectTo dial list from cfg,
// resolving each named peer's endpoint from its host file — tinc.conf's
// ConnectTo has always named a peer, not an address, leaving the
// address itself to that peer's host file, looked up here against
// the already-loaded PeerDirectory.
func connectTargets(cfg config.Config, peers *hostdir.Directory) []mainloop.ConnectTarget {
	targets := make([]mainloop.ConnectTarget, 0, len(cfg.ConnectTo))
	for _, name := range cfg.ConnectTo {
		addr, port, ok := peers.Endpoint(name)
		if !ok {
			continue
		}
		if port == 0 {
			port = cfg.Port
		}
		targets = append(targets, mainloop.ConnectTarget{Name: name, Addr: addr, Port: port})
	}
	return targets
}

// bootstrapTargets seeds the very first outbound connection attempt
// for a net with no ConnectTo entries configured:
// it resolves "_tinc._tcp.<netname>.<domain>" over DNS SRV and turns
// each candidate into a dial target. Since the registry requires a
// peer name at Connection construction, each target is named after
// its SRV host with the trailing dot trimmed; no host-directory
// lookup is made for it.
func bootstrapTargets(cfg config.Config, logger *logrus.Logger) []mainloop.ConnectTarget {
	if cfg.DiscoveryDomain == "" {
		logger.Debug("DiscoverySRV enabled but no DiscoveryDomain configured, skipping bootstrap lookup")
		return nil
	}

	resolver := discovery.NewResolver(cfg.DiscoveryNameserver)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	found, err := resolver.Lookup(ctx, cfg.NetName, cfg.DiscoveryDomain)
	if err != nil {
		logger.WithError(err).Warn("bootstrap SRV discovery failed")
		return nil
	}

	targets := make([]mainloop.ConnectTarget, 0, len(found))
	for _, t := range found {
		targets = append(targets, mainloop.ConnectTarget{
			Name: strings.TrimSuffix(t.Host, "."),
			Addr: t.Host,
			Port: int(t.Port),
		})
	}

	return targets
}

// acceptLoop accepts inbound meta-connections. The registry's
// Connection model requires a peer name at construction time (one
// Connection per remote name), but an inbound socket's peer identity
// isn't known until its ID line arrives over the wire. Rather than
// stage anonymous connections, this resolves the expected name from
// the remote IP against the configured host directory: a peer
// dialing in from an address no
// host file declares is rejected outright instead of being held
// pending.
func acceptLoop(listener net.Listener, engine *metaproto.Engine, peers *hostdir.Directory, logger *logrus.Logger) {
	for {
		nc, err := listener.Accept()
		if err != nil {
			return
		}

		host, _, splitErr := net.SplitHostPort(nc.RemoteAddr().String())
		if splitErr != nil {
			host = nc.RemoteAddr().String()
		}

		name, known := peers.ByAddress(host)
		if !known {
			logger.WithField("remote", host).Warn("rejecting meta-connection from unrecognized address")
			nc.Close()
			continue
		}

		conn := registry.NewConnection(name, host, 0, false)
		if err := engine.Adopt(conn, nc); err != nil {
			logger.WithError(err).WithField("peer", name).Warn("failed to adopt inbound connection")
			nc.Close()
		}
	}
}

// loadConfigFile is the minimal stand-in for the external
// configuration parser: it reads tinc.conf's
// historical "Key = Value" line format and hands back a plain
// config.Raw map, with ConnectTo collected across repeated lines and
// duration-valued keys pre-parsed into time.Duration (config.Decode's
// mapstructure step expects already-typed values, not raw strings).
func loadConfigFile(path string) (config.Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, daemonerr.New(daemonerr.KindConfig, err)
	}
	defer f.Close()

	raw := make(config.Raw)
	var connectTo []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "ConnectTo":
			connectTo = append(connectTo, value)
		case "KeyExpire", "PingInterval", "PingTimeout", "ReconnectInitial", "ReconnectMax":
			d, derr := time.ParseDuration(value)
			if derr != nil {
				return nil, daemonerr.Newf(daemonerr.KindConfig, "%s: invalid duration %q", key, value)
			}
			raw[key] = d
		case "Port", "DebugLevel":
			n, nerr := strconv.Atoi(value)
			if nerr != nil {
				return nil, daemonerr.Newf(daemonerr.KindConfig, "%s: invalid integer %q", key, value)
			}
			raw[key] = n
		case "DiscoverySRV", "DropPrivileges":
			b, berr := strconv.ParseBool(value)
			if berr != nil {
				return nil, daemonerr.Newf(daemonerr.KindConfig, "%s: invalid boolean %q", key, value)
			}
			raw[key] = b
		default:
			raw[key] = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, daemonerr.New(daemonerr.KindConfig, err)
	}

	if len(connectTo) > 0 {
		raw["ConnectTo"] = connectTo
	}

	return raw, nil
}
