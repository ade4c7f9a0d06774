package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/lonelysadness/sandfence/internal/attribution"
)

// testProcRoot builds a proc filesystem where pid 999 owns the socket
// behind local port 45678.
func testProcRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeFile := func(rel, content string) {
		t.Helper()
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	header := "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"
	row := "   0: 0100007F:B26E 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 123456 1\n"
	writeFile("net/tcp", header+row)
	writeFile("net/tcp6", header)

	if err := os.MkdirAll(filepath.Join(root, "999/fd"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("socket:[123456]", filepath.Join(root, "999/fd/4")); err != nil {
		t.Fatal(err)
	}
	writeFile("999/cmdline", "sandbox-agent\x00--fetch\x00https://example.com\x00")
	writeFile("999/comm", "sandbox-agent\n")

	return root
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAttributeCommand(t *testing.T) {
	root := testProcRoot(t)

	t.Run("success", func(t *testing.T) {
		out, err := runCommand(t, "attribute", "45678", "--proc-root", root)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}

		var att attribution.Attribution
		if err := json.Unmarshal([]byte(out), &att); err != nil {
			t.Fatalf("output is not one JSON record: %v\n%s", err, out)
		}
		if att.PID != 999 || att.Comm != "sandbox-agent" || att.Inode != "123456" {
			t.Errorf("record = %+v", att)
		}
		if att.Cmdline != "sandbox-agent --fetch https://example.com" {
			t.Errorf("cmdline = %q", att.Cmdline)
		}
	})

	t.Run("lookup miss exits non-zero but still reports", func(t *testing.T) {
		out, err := runCommand(t, "attribute", "80", "--proc-root", root)
		if err == nil {
			t.Fatal("want a non-zero exit for a miss")
		}

		var att attribution.Attribution
		if err := json.Unmarshal([]byte(out), &att); err != nil {
			t.Fatalf("output is not one JSON record: %v\n%s", err, out)
		}
		if att.PID != -1 || att.Error == "" {
			t.Errorf("record = %+v, want pid -1 and an error", att)
		}
	})

	t.Run("invalid port argument", func(t *testing.T) {
		out, err := runCommand(t, "attribute", "abc", "--proc-root", root)
		if err == nil {
			t.Fatal("want an error for a non-numeric port")
		}

		var att attribution.Attribution
		if err := json.Unmarshal([]byte(out), &att); err != nil {
			t.Fatalf("output is not one JSON record: %v\n%s", err, out)
		}
		if att.PID != -1 || att.Error == "" {
			t.Errorf("record = %+v, want the validation failure", att)
		}
	})

	t.Run("missing argument", func(t *testing.T) {
		if _, err := runCommand(t, "attribute"); err == nil {
			t.Fatal("want an argument count error")
		}
	})
}
