package proc

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// UnknownMeta stands in for process metadata that cannot be read.
const UnknownMeta = "unknown"

// ReadProcessMeta returns the command line and short name of a process.
// Metadata is advisory; missing, unreadable or empty files yield the
// UnknownMeta sentinel instead of an error.
func ReadProcessMeta(root string, pid int32) (cmdline, comm string) {
	dir := filepath.Join(root, strconv.Itoa(int(pid)))

	cmdline = UnknownMeta
	if raw, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil {
		if s := joinNulSeparated(raw); s != "" {
			cmdline = s
		}
	}

	comm = UnknownMeta
	if raw, err := os.ReadFile(filepath.Join(dir, "comm")); err == nil {
		if s := strings.TrimSpace(string(raw)); s != "" {
			comm = s
		}
	}
	return cmdline, comm
}

// joinNulSeparated flattens the kernel's NUL-separated argument vector into
// a single space-joined line.
func joinNulSeparated(raw []byte) string {
	raw = bytes.TrimRight(raw, "\x00")
	return string(bytes.ReplaceAll(raw, []byte{0}, []byte{' '}))
}
