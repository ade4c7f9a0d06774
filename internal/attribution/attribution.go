package attribution

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lonelysadness/sandfence/internal/proc"
)

// Attribution links an observed source port to the process that owns it.
// One record is built per query, serialized as a single JSON line and
// discarded; there is no state between queries.
type Attribution struct {
	SrcPort uint16 `json:"srcPort"`
	PID     int32  `json:"pid"`
	Cmdline string `json:"cmdline"`
	Comm    string `json:"comm"`
	Inode   string `json:"inode,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ParsePort validates a port argument: decimal, 1 to 65535.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("port must be a decimal number between 1 and 65535, got %q", s)
	}
	return uint16(n), nil
}

// Invalid builds the record reported for input that failed validation.
func Invalid(err error) Attribution {
	return Attribution{PID: -1, Error: err.Error()}
}

// Resolver runs the socket-to-process pipeline against a proc filesystem:
// connection table to inode, inode to pid, pid to metadata.
type Resolver struct {
	// ProcRoot is the proc mount to read. Defaults to /proc.
	ProcRoot string
}

// Resolve attributes a local source port to its owning process. Failures
// are part of the record rather than an error return: a lookup miss is an
// answer, and fields established before the failing stage (such as the
// socket inode) are kept.
func (r *Resolver) Resolve(ctx context.Context, port uint16) Attribution {
	root := r.ProcRoot
	if root == "" {
		root = "/proc"
	}

	att := Attribution{SrcPort: port, PID: -1}

	sock, err := proc.LookupSocket(root, port)
	if err != nil {
		att.Error = err.Error()
		return att
	}
	att.Inode = sock.Inode

	pid, err := proc.FindSocketProcess(ctx, root, sock.Inode)
	if err != nil {
		att.Error = err.Error()
		return att
	}
	att.PID = pid

	att.Cmdline, att.Comm = proc.ReadProcessMeta(root, pid)
	return att
}
