package tunnel

import (
	"fmt"
	"strconv"
)

// ForwardingType discriminates the four forwarding topologies.
type ForwardingType string

const (
	Local   ForwardingType = "local"
	Remote  ForwardingType = "remote"
	Dynamic ForwardingType = "dynamic"
	X11     ForwardingType = "x11"
)

// Forwarding is the topology half of a tunnel configuration. Each variant
// carries exactly the fields its ssh flag consumes, so a dynamic forward can
// never hold a meaningless remote endpoint.
type Forwarding interface {
	Type() ForwardingType

	// validate appends problems to errs. Local listen ports may be zero,
	// meaning a free port is allocated at start time.
	validate(errs *ConfigurationError)

	// args renders the forwarding flags. bindHost is empty unless the
	// configuration restricts listeners to loopback.
	args(bindHost string) []string
}

// LocalForwarding forwards a local listen port to a destination reachable
// from the SSH server: -L [bind:]localPort:remoteHost:remotePort.
type LocalForwarding struct {
	LocalPort  int
	RemoteHost string
	RemotePort int
}

func (f LocalForwarding) Type() ForwardingType { return Local }

func (f LocalForwarding) validate(errs *ConfigurationError) {
	if f.RemoteHost == "" {
		errs.add("local forward requires a remote host")
	}
	if !validPort(f.RemotePort) {
		errs.add("remote port %d is outside [1, 65535]", f.RemotePort)
	}
	if f.LocalPort != 0 && !validPort(f.LocalPort) {
		errs.add("local port %d is outside [1, 65535]", f.LocalPort)
	}
}

func (f LocalForwarding) args(bindHost string) []string {
	spec := fmt.Sprintf("%d:%s:%d", f.LocalPort, f.RemoteHost, f.RemotePort)
	if bindHost != "" {
		spec = bindHost + ":" + spec
	}
	return []string{"-L", spec}
}

// RemoteForwarding forwards a port on the SSH server back to a local
// destination: -R [bind:]remotePort:localHost:localPort.
type RemoteForwarding struct {
	RemotePort int
	LocalHost  string
	LocalPort  int
}

func (f RemoteForwarding) Type() ForwardingType { return Remote }

func (f RemoteForwarding) validate(errs *ConfigurationError) {
	if f.LocalHost == "" {
		errs.add("remote forward requires a local host")
	}
	if !validPort(f.LocalPort) {
		errs.add("local port %d is outside [1, 65535]", f.LocalPort)
	}
	if !validPort(f.RemotePort) {
		errs.add("remote port %d is outside [1, 65535]", f.RemotePort)
	}
}

func (f RemoteForwarding) args(bindHost string) []string {
	spec := fmt.Sprintf("%d:%s:%d", f.RemotePort, f.LocalHost, f.LocalPort)
	if bindHost != "" {
		spec = bindHost + ":" + spec
	}
	return []string{"-R", spec}
}

// DynamicForwarding exposes a local SOCKS proxy routed through the SSH
// connection: -D [bind:]localPort. No remote endpoint exists.
type DynamicForwarding struct {
	LocalPort int
}

func (f DynamicForwarding) Type() ForwardingType { return Dynamic }

func (f DynamicForwarding) validate(errs *ConfigurationError) {
	if f.LocalPort != 0 && !validPort(f.LocalPort) {
		errs.add("local port %d is outside [1, 65535]", f.LocalPort)
	}
}

func (f DynamicForwarding) args(bindHost string) []string {
	spec := strconv.Itoa(f.LocalPort)
	if bindHost != "" {
		spec = bindHost + ":" + spec
	}
	return []string{"-D", spec}
}

// X11Forwarding forwards X11 connections: -X, or -Y when trusted. It carries
// no port fields.
type X11Forwarding struct {
	Trusted bool
	Display string
}

func (f X11Forwarding) Type() ForwardingType { return X11 }

func (f X11Forwarding) validate(errs *ConfigurationError) {}

func (f X11Forwarding) args(string) []string {
	flag := "-X"
	if f.Trusted {
		flag = "-Y"
	}
	args := []string{flag}
	if f.Display != "" {
		args = append(args, "-o", "SendEnv=DISPLAY")
	}
	return args
}

const loopbackBindHost = "127.0.0.1"

// Validate checks a configuration without touching the filesystem or the
// network. It is run synchronously by every CRUD and start operation.
func Validate(config Config) error {
	errs := newConfigurationError()

	if config.SSHHost == "" {
		errs.add("ssh host is required")
	}
	if !validPort(config.SSHPort) {
		errs.add("ssh port %d is outside [1, 65535]", config.SSHPort)
	}
	if config.Forwarding == nil {
		errs.add("forwarding type is required")
	} else {
		config.Forwarding.validate(errs)
	}

	if errs.isEmpty() {
		return nil
	}
	return errs
}

// BuildArgs maps a validated configuration to the argv for the SSH client
// binary (excluding the binary name itself). Local listen ports must already
// be resolved; a zero port here is a ConfigurationError.
//
// Pure function: no side effects, no filesystem access.
func BuildArgs(config Config) ([]string, error) {
	if err := Validate(config); err != nil {
		return nil, err
	}
	if p, ok := listenPort(config.Forwarding); ok && p == 0 {
		return nil, newConfigurationError("local port has not been resolved")
	}

	// Connection-only client: no remote command, no PTY, and bail out when
	// the forwarding cannot be established.
	args := []string{
		"-N", "-T",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "BatchMode=yes",
	}

	if config.Compression {
		args = append(args, "-C")
	}
	if config.KeepAlive {
		args = append(args,
			"-o", "ServerAliveInterval=30",
			"-o", "ServerAliveCountMax=3",
		)
	}
	if config.ConnectionTimeout > 0 {
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", int(config.ConnectionTimeout.Seconds())))
	}
	if config.SSHKeyPath != "" {
		args = append(args, "-i", config.SSHKeyPath)
	}
	args = append(args, "-p", strconv.Itoa(config.SSHPort))

	bindHost := ""
	if config.BindToLocalhostOnly {
		bindHost = loopbackBindHost
	}
	args = append(args, config.Forwarding.args(bindHost)...)

	destination := config.SSHHost
	if config.SSHUser != "" {
		destination = config.SSHUser + "@" + config.SSHHost
	}
	return append(args, destination), nil
}

// listenPort returns the local listen port of a forwarding, if the variant
// has one.
func listenPort(f Forwarding) (int, bool) {
	switch v := f.(type) {
	case LocalForwarding:
		return v.LocalPort, true
	case DynamicForwarding:
		return v.LocalPort, true
	default:
		return 0, false
	}
}

// withListenPort returns a copy of f with its local listen port replaced.
func withListenPort(f Forwarding, port int) Forwarding {
	switch v := f.(type) {
	case LocalForwarding:
		v.LocalPort = port
		return v
	case DynamicForwarding:
		v.LocalPort = port
		return v
	default:
		return f
	}
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}
