package policy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func localhostV4(host string) ([]string, error) {
	return []string{"127.0.0.1"}, nil
}

// emptyConfig pins the loader to an explicit empty file so a config on the
// test host cannot leak into the result.
func emptyConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	loader := &Loader{
		Path:       filepath.Join(t.TempDir(), "absent.yaml"),
		Getenv:     envMap(nil),
		LookupHost: localhostV4,
		Log:        discardLogger(),
	}
	// An explicitly named file must exist.
	if _, err := loader.Load(); err == nil {
		t.Fatal("explicit config path that does not exist must fail")
	}

	loader.Path = emptyConfig(t)
	p, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantResolvers := []netip.Addr{netip.MustParseAddr("8.8.8.8"), netip.MustParseAddr("8.8.4.4")}
	if len(p.Resolvers) != len(wantResolvers) {
		t.Fatalf("resolvers = %v, want %v", p.Resolvers, wantResolvers)
	}
	for i := range wantResolvers {
		if p.Resolvers[i] != wantResolvers[i] {
			t.Errorf("resolver %d = %s, want %s", i, p.Resolvers[i], wantResolvers[i])
		}
	}
	if p.RuntimeResolver != netip.MustParseAddr("127.0.0.11") {
		t.Errorf("runtime resolver = %s, want 127.0.0.11", p.RuntimeResolver)
	}
	if p.Proxy.String() != "127.0.0.1:3128" {
		t.Errorf("proxy = %s, want 127.0.0.1:3128", p.Proxy)
	}
	if len(p.AllowPorts) != 0 {
		t.Errorf("allow ports = %v, want none", p.AllowPorts)
	}
	if len(p.HostBypass) != 0 {
		t.Errorf("host bypass = %v, want none", p.HostBypass)
	}
	if len(p.BlockedPorts) != len(DefaultBlockedPorts) {
		t.Errorf("blocked ports = %v, want the default set", p.BlockedPorts)
	}
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := `
resolvers:
  - 1.1.1.1
proxy:
  host: 10.0.0.5
  port: 3129
allow_ports: "8080"
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := &Loader{
		Path: path,
		Getenv: envMap(map[string]string{
			"SANDFENCE_PROXY_PORT":  "3130",
			"SANDFENCE_ALLOW_PORTS": "9000-9010",
		}),
		LookupHost: func(host string) ([]string, error) {
			t.Fatalf("unexpected lookup of %q, file host is a literal", host)
			return nil, nil
		},
		Log: discardLogger(),
	}
	p, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(p.Resolvers) != 1 || p.Resolvers[0] != netip.MustParseAddr("1.1.1.1") {
		t.Errorf("resolvers = %v, want [1.1.1.1] from the file", p.Resolvers)
	}
	if p.Proxy.String() != "10.0.0.5:3130" {
		t.Errorf("proxy = %s, want host from file and port from environment", p.Proxy)
	}
	if len(p.AllowPorts) != 1 || p.AllowPorts[0] != (PortRange{9000, 9010}) {
		t.Errorf("allow ports = %v, want the environment override", p.AllowPorts)
	}
}

func TestLoadProxyResolution(t *testing.T) {
	t.Run("prefers IPv4", func(t *testing.T) {
		loader := &Loader{
			Path:   emptyConfig(t),
			Getenv: envMap(map[string]string{"SANDFENCE_PROXY_HOST": "egress-proxy"}),
			LookupHost: func(host string) ([]string, error) {
				return []string{"2001:db8::5", "10.0.0.5"}, nil
			},
			Log: discardLogger(),
		}
		p, err := loader.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if p.Proxy.Addr != netip.MustParseAddr("10.0.0.5") {
			t.Errorf("proxy addr = %s, want the IPv4 candidate", p.Proxy.Addr)
		}
	})

	t.Run("v6 only is usable", func(t *testing.T) {
		loader := &Loader{
			Path:   emptyConfig(t),
			Getenv: envMap(map[string]string{"SANDFENCE_PROXY_HOST": "egress-proxy"}),
			LookupHost: func(host string) ([]string, error) {
				return []string{"2001:db8::5"}, nil
			},
			Log: discardLogger(),
		}
		p, err := loader.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if p.Proxy.Addr != netip.MustParseAddr("2001:db8::5") {
			t.Errorf("proxy addr = %s, want the IPv6 candidate", p.Proxy.Addr)
		}
	})

	t.Run("failure is fatal", func(t *testing.T) {
		loader := &Loader{
			Path:   emptyConfig(t),
			Getenv: envMap(map[string]string{"SANDFENCE_PROXY_HOST": "egress-proxy"}),
			LookupHost: func(host string) ([]string, error) {
				return nil, fmt.Errorf("no such host")
			},
			Log: discardLogger(),
		}
		_, err := loader.Load()
		if !errors.Is(err, ErrProxyUnresolved) {
			t.Fatalf("err = %v, want ErrProxyUnresolved", err)
		}
	})
}

func TestLoadHostBypass(t *testing.T) {
	root := t.TempDir()
	route := "Iface\tDestination\tGateway \tFlags\tRefCnt\tUse\tMetric\tMask\t\tMTU\tWindow\tIRTT\n" +
		"eth0\t000011AC\t00000000\t0001\t0\t0\t0\t0000FFFF\t0\t0\t0\n" +
		"eth0\t00000000\t0141A8C0\t0003\t0\t0\t0\t00000000\t0\t0\t0\n"
	if err := os.MkdirAll(filepath.Join(root, "net"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "net/route"), []byte(route), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := &Loader{
		Path:       emptyConfig(t),
		Getenv:     envMap(map[string]string{"SANDFENCE_ALLOW_HOST": "1"}),
		LookupHost: localhostV4,
		ProcRoot:   root,
		Log:        discardLogger(),
	}
	p, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []string{"host.docker.internal", "192.168.65.1"}
	if len(p.HostBypass) != len(want) {
		t.Fatalf("host bypass = %v, want %v", p.HostBypass, want)
	}
	for i := range want {
		if p.HostBypass[i] != want[i] {
			t.Errorf("bypass %d = %q, want %q", i, p.HostBypass[i], want[i])
		}
	}
}

func TestLoadHostBypassWithoutRoutingTable(t *testing.T) {
	loader := &Loader{
		Path:       emptyConfig(t),
		Getenv:     envMap(map[string]string{"SANDFENCE_ALLOW_HOST": "true"}),
		LookupHost: localhostV4,
		ProcRoot:   t.TempDir(),
		Log:        discardLogger(),
	}
	p, err := loader.Load()
	if err != nil {
		t.Fatalf("gateway discovery failure must not fail the load: %v", err)
	}
	if len(p.HostBypass) != 1 || p.HostBypass[0] != "host.docker.internal" {
		t.Errorf("host bypass = %v, want just the well-known name", p.HostBypass)
	}
}

func TestLoadRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad proxy port", env: map[string]string{"SANDFENCE_PROXY_PORT": "abc"}},
		{name: "zero proxy port", env: map[string]string{"SANDFENCE_PROXY_PORT": "0"}},
		{name: "bad allow flag", env: map[string]string{"SANDFENCE_ALLOW_HOST": "banana"}},
		{name: "bad resolver", env: map[string]string{"SANDFENCE_RESOLVERS": "dns.example.com"}},
		{name: "bad allow ports", env: map[string]string{"SANDFENCE_ALLOW_PORTS": "99999"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &Loader{
				Path:       emptyConfig(t),
				Getenv:     envMap(tt.env),
				LookupHost: localhostV4,
				Log:        discardLogger(),
			}
			if _, err := loader.Load(); err == nil {
				t.Fatal("malformed input must fail the load")
			}
		})
	}
}
