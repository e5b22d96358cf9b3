// Package mountopts parses the comma-separated k=v mount option string
// (spec.md §6.4) into a bounded map, pulling out the two keys the core
// itself reserves.
package mountopts

import (
	"fmt"
	"strings"
)

// MaxOptions bounds the number of key/value pairs a single mount_opts
// string may carry (spec.md §6.4 "CHIMERA_VFS_MOUNT_OPT_MAX" translated to
// a Go constant; the source's request-owned 4 KiB scratch buffer is simply
// this process's ordinary garbage-collected memory here).
const MaxOptions = 32

// Reserved mount option keys the core itself consumes; everything else is
// passed through unchanged to the back-end module (spec.md §6.4).
const (
	KeyPort = "port"
	KeyRDMA = "rdma"
)

// Parsed is the result of parsing a mount options string.
type Parsed struct {
	// Port is the "port" reserved option, empty if absent.
	Port string
	// RDMA is the "rdma" reserved option, empty if absent.
	RDMA string
	// Backend holds every other key, passed through to the module's Init.
	Backend map[string]string
}

// Parse splits a comma-separated k=v string into a Parsed bundle. A bare
// key (no "=") is stored with an empty value. Parsing fails if more than
// MaxOptions pairs are present or a pair is malformed (embedded comma
// inside a value is not supported, matching the source's simple scanner).
func Parse(optsStr string) (Parsed, error) {
	p := Parsed{Backend: make(map[string]string)}
	if optsStr == "" {
		return p, nil
	}

	pairs := strings.Split(optsStr, ",")
	if len(pairs) > MaxOptions {
		return Parsed{}, fmt.Errorf("mountopts: %d options exceeds max of %d", len(pairs), MaxOptions)
	}

	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return Parsed{}, fmt.Errorf("mountopts: empty key in option %q", pair)
		}

		switch key {
		case KeyPort:
			p.Port = value
		case KeyRDMA:
			p.RDMA = value
		default:
			p.Backend[key] = value
		}
	}
	return p, nil
}
