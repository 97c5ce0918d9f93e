// Package hostdir loads the per-peer public keys the meta-protocol
// handshake's PeerDirectory collaborator needs; host keys live in
// the same on-disk tree as the rest of the configuration. Each known
// peer gets a file named after it under
// <configdir>/hosts/, holding "PublicKey = <hex>" plus optional
// "Address = <host>" / "Port = <n>" lines — the same key/value line
// shape internal/config's source configuration uses, scaled down to
// one file per peer the way tinc's own host files have always worked.
package hostdir

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/wangmice/tinc/internal/daemonerr"
	"github.com/wangmice/tinc/internal/metaproto/metacrypt"
)

// entry is one peer's loaded host file contents.
type entry struct {
	pub     [32]byte
	address string
	port    int
}

// Directory is a metaproto.PeerDirectory backed by a directory of host
// key files, loaded once at startup.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Load reads every regular file under dir, treating each file name as
// a peer name and its content as that peer's host key file. A dir
// that does not exist yet is treated as an empty directory rather
// than an error, since a freshly-initialized net may have no peers
// configured.
func Load(dir string) (*Directory, error) {
	d := &Directory{entries: make(map[string]entry)}

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, daemonerr.New(daemonerr.KindConfig, err)
	}

	for _, f := range files {
		if f.IsDir() {
			continue
		}

		e, err := readHostFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, daemonerr.Newf(daemonerr.KindConfig, "hosts/%s: %w", f.Name(), err)
		}

		d.entries[f.Name()] = e
	}

	return d, nil
}

func readHostFile(path string) (entry, error) {
	var e entry

	f, err := os.Open(path)
	if err != nil {
		return e, err
	}
	defer f.Close()

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
		case "PublicKey":
			raw, err := decodeHex(value)
			if err != nil {
				return e, err
			}
			copy(e.pub[:], raw)

		case "Address":
			e.address = value

		case "Port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return e, daemonerr.Newf(daemonerr.KindConfig, "invalid Port %q", value)
			}
			e.port = port
		}
	}

	return e, scanner.Err()
}

// Lookup implements metaproto.PeerDirectory.
func (d *Directory) Lookup(name string) (pub [32]byte, known bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, known := d.entries[name]
	return e.pub, known
}

// Endpoint returns the Address/Port a host file declared for name, if
// any, for seeding an outgoing ConnectTo target (the daemon's own
// config only names peers; the address and port come from the host
// file).
func (d *Directory) Endpoint(name string) (addr string, port int, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, known := d.entries[name]
	if !known || e.address == "" {
		return "", 0, false
	}

	return e.address, e.port, true
}

// ByAddress returns the peer name whose host file declares addr as its
// Address, used to resolve an inbound connection's remote IP to an
// expected peer name before the ID line arrives (see cmd/tincd's
// accept loop).
func (d *Directory) ByAddress(addr string) (name string, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for n, e := range d.entries {
		if e.address == addr {
			return n, true
		}
	}

	return "", false
}

// Trust registers every loaded peer key with keys, the step a
// production PeerDirectory performs once at startup so the
// KeyAgreement collaborator can seal METAKEY material addressed to
// each of them.
func (d *Directory) Trust(keys metacrypt.KeyAgreement) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	type truster interface {
		Trust(fingerprint string, pub [32]byte)
	}

	t, ok := keys.(truster)
	if !ok {
		return
	}

	for name, e := range d.entries {
		t.Trust(name, e.pub)
	}
}

// Names returns every known peer name, sorted.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.entries))
	for name := range d.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, daemonerr.Newf(daemonerr.KindConfig, "odd-length hex public key")
	}

	out := make([]byte, len(s)/2)
	for i := range out {
		hi, ok1 := hexVal(s[i*2])
		lo, ok2 := hexVal(s[i*2+1])
		if !ok1 || !ok2 {
			return nil, daemonerr.Newf(daemonerr.KindConfig, "invalid hex digit in public key")
		}
		out[i] = hi<<4 | lo
	}

	return out, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
