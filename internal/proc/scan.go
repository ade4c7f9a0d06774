package proc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// FindSocketProcess walks every process directory under root until it finds
// a file descriptor whose link target names the socket inode, and returns
// that pid. Sockets have one owning process in practice; if a descriptor
// table is shared across threads the first pid encountered is returned.
//
// Processes whose fd directory cannot be read live in another permission
// domain and are skipped, so a cross-user socket degrades to ErrNotFound
// rather than failing the scan. The context bounds the walk on busy hosts.
func FindSocketProcess(ctx context.Context, root, inode string) (int32, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return -1, fmt.Errorf("reading %s: %w", root, err)
	}

	target := "socket:[" + inode + "]"
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil {
			continue
		}

		fdDir := filepath.Join(root, entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if link == target {
				return int32(pid), nil
			}
		}
	}
	return -1, fmt.Errorf("no process owns socket inode %s: %w", inode, ErrNotFound)
}
