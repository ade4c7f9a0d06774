package proc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNotFound reports that the queried socket or process does not exist.
// Callers use it to tell "nothing there" apart from "could not look".
var ErrNotFound = errors.New("not found")

// SocketRecord is one row of interest from the kernel TCP connection table.
type SocketRecord struct {
	LocalPort uint16
	Inode     string
}

// tcpTables lists the connection tables consulted, in match priority order.
var tcpTables = []string{"net/tcp", "net/tcp6"}

// LookupSocket finds the socket bound to the given local port and returns
// its record. The IPv4 table is searched before the IPv6 one; within a
// table the first matching row wins. Duplicate local ports can briefly
// exist during TIME_WAIT races, in which case the first row is a
// best-effort answer.
func LookupSocket(root string, port uint16) (SocketRecord, error) {
	if port == 0 {
		return SocketRecord{}, fmt.Errorf("port %d out of range 1-65535", port)
	}

	for i, table := range tcpTables {
		inode, err := scanSocketTable(filepath.Join(root, table), port)
		if err == nil {
			return SocketRecord{LocalPort: port, Inode: inode}, nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		// A kernel without IPv6 has no tcp6 table at all; that is not an
		// I/O failure, just an empty search space.
		if i > 0 && errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return SocketRecord{}, err
	}
	return SocketRecord{}, fmt.Errorf("no socket bound to local port %d: %w", port, ErrNotFound)
}

func scanSocketTable(path string, port uint16) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue
		}
		p, ok := localPort(fields[1])
		if !ok {
			continue
		}
		if p == port {
			return fields[9], nil
		}
	}
	return "", ErrNotFound
}

// localPort decodes the port from a local_address column. The column is
// "HEXADDR:HEXPORT" with a family-specific address width, so the port is
// whatever follows the last colon. The header row fails the hex parse and
// is skipped like any malformed line.
func localPort(local string) (uint16, bool) {
	i := strings.LastIndex(local, ":")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(local[i+1:], 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}
