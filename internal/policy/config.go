package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lonelysadness/sandfence/internal/proc"
)

const (
	DefaultConfigPath = "/etc/sandfence/config.yaml"
	DefaultProxyHost  = "localhost"
	DefaultProxyPort  = 3128

	// Docker's embedded stub resolver. Traffic to it must not be redirected
	// or the container loses name resolution entirely.
	dockerEmbeddedDNS = "127.0.0.11"

	// hostGatewayName resolves to the host from inside Docker containers
	// started with the host-gateway mapping.
	hostGatewayName = "host.docker.internal"
)

var defaultResolvers = []string{"8.8.8.8", "8.8.4.4"}

// fileConfig is the YAML shape of the optional config file. allow_ports uses
// the same comma-separated syntax as the environment variable.
type fileConfig struct {
	Resolvers       []string `yaml:"resolvers"`
	RuntimeResolver string   `yaml:"runtime_resolver"`
	Proxy           struct {
		Host string `yaml:"host"`
		Port uint16 `yaml:"port"`
	} `yaml:"proxy"`
	AllowPorts string `yaml:"allow_ports"`
	AllowHost  *bool  `yaml:"allow_host"`
}

// Loader assembles a TrustPolicy from built-in defaults, an optional YAML
// file and environment variables, each layer overriding the previous one.
// Environment variables: SANDFENCE_RESOLVERS, SANDFENCE_PROXY_HOST,
// SANDFENCE_PROXY_PORT, SANDFENCE_ALLOW_PORTS, SANDFENCE_ALLOW_HOST.
type Loader struct {
	// Path of the config file. Empty means DefaultConfigPath, whose absence
	// is not an error; an explicitly given path must exist.
	Path string

	// Getenv defaults to os.Getenv.
	Getenv func(string) string

	// LookupHost resolves the proxy host name. Defaults to net.LookupHost.
	LookupHost func(host string) ([]string, error)

	// ProcRoot is where the kernel routing table is read from when host
	// access is enabled. Defaults to /proc.
	ProcRoot string

	Log *slog.Logger
}

// Load builds the policy. Malformed input of any kind is a hard error: the
// sandbox must not start on a policy we only half understood.
func (l *Loader) Load() (*TrustPolicy, error) {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	lookup := l.LookupHost
	if lookup == nil {
		lookup = net.LookupHost
	}
	procRoot := l.ProcRoot
	if procRoot == "" {
		procRoot = "/proc"
	}
	log := l.Log
	if log == nil {
		log = slog.Default()
	}

	resolvers := defaultResolvers
	runtimeResolver := dockerEmbeddedDNS
	proxyHost := DefaultProxyHost
	proxyPort := uint16(DefaultProxyPort)
	allowPorts := ""
	allowHost := false

	fc, err := l.readFile()
	if err != nil {
		return nil, err
	}
	if fc != nil {
		if len(fc.Resolvers) > 0 {
			resolvers = fc.Resolvers
		}
		if fc.RuntimeResolver != "" {
			runtimeResolver = fc.RuntimeResolver
		}
		if fc.Proxy.Host != "" {
			proxyHost = fc.Proxy.Host
		}
		if fc.Proxy.Port != 0 {
			proxyPort = fc.Proxy.Port
		}
		if fc.AllowPorts != "" {
			allowPorts = fc.AllowPorts
		}
		if fc.AllowHost != nil {
			allowHost = *fc.AllowHost
		}
	}

	if v := getenv("SANDFENCE_RESOLVERS"); v != "" {
		resolvers = strings.Split(v, ",")
	}
	if v := getenv("SANDFENCE_PROXY_HOST"); v != "" {
		proxyHost = v
	}
	if v := getenv("SANDFENCE_PROXY_PORT"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid SANDFENCE_PROXY_PORT %q", v)
		}
		proxyPort = uint16(n)
	}
	if v := getenv("SANDFENCE_ALLOW_PORTS"); v != "" {
		allowPorts = v
	}
	if v := getenv("SANDFENCE_ALLOW_HOST"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SANDFENCE_ALLOW_HOST %q", v)
		}
		allowHost = b
	}

	p := &TrustPolicy{BlockedPorts: DefaultBlockedPorts}

	p.Resolvers, err = ParseResolvers(strings.Join(resolvers, ","))
	if err != nil {
		return nil, err
	}

	p.RuntimeResolver, err = netip.ParseAddr(runtimeResolver)
	if err != nil {
		return nil, fmt.Errorf("invalid runtime resolver %q: %w", runtimeResolver, err)
	}

	p.Proxy, err = resolveProxy(lookup, proxyHost, proxyPort)
	if err != nil {
		return nil, err
	}

	if allowPorts != "" {
		p.AllowPorts, err = ParsePortRanges(allowPorts)
		if err != nil {
			return nil, err
		}
	}

	if allowHost {
		p.HostBypass = append(p.HostBypass, hostGatewayName)
		gw, err := proc.DefaultGateway(procRoot)
		if err != nil {
			log.Warn("host gateway discovery failed, relying on name resolution only", "err", err)
		} else {
			p.HostBypass = append(p.HostBypass, gw.String())
		}
	}

	return p, nil
}

func (l *Loader) readFile() (*fileConfig, error) {
	path := l.Path
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &fc, nil
}

// resolveProxy turns the proxy host into a concrete endpoint. Address
// literals are used as given; names are resolved, preferring IPv4 since the
// redirect rules are primarily an IPv4 concern.
func resolveProxy(lookup func(string) ([]string, error), host string, port uint16) (Endpoint, error) {
	if port == 0 {
		return Endpoint{}, fmt.Errorf("proxy port not set: %w", ErrProxyUnresolved)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return Endpoint{Addr: addr, Port: port}, nil
	}

	addrs, err := lookup(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolving proxy host %q: %v: %w", host, err, ErrProxyUnresolved)
	}

	var fallback netip.Addr
	for _, s := range addrs {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if addr.Is4() || addr.Is4In6() {
			return Endpoint{Addr: addr.Unmap(), Port: port}, nil
		}
		if !fallback.IsValid() {
			fallback = addr
		}
	}
	if fallback.IsValid() {
		return Endpoint{Addr: fallback, Port: port}, nil
	}
	return Endpoint{}, fmt.Errorf("resolving proxy host %q: no usable address: %w", host, ErrProxyUnresolved)
}
