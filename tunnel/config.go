package tunnel

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Config is a persisted tunnel configuration. The forwarding topology lives in
// the Forwarding variant; everything else is common to all tunnel types.
//
// A Config is mutable only while no active tunnel exists for its ID. Editing a
// running tunnel requires stop, edit, restart.
type Config struct {
	ID          uuid.UUID
	Name        string
	Description string

	SSHHost    string
	SSHUser    string
	SSHPort    int
	SSHKeyPath string

	Forwarding Forwarding

	Compression         bool
	KeepAlive           bool
	AutoReconnect       bool
	BindToLocalhostOnly bool

	// ConnectionTimeout is the grace window: how long the spawned process
	// must survive before the tunnel is considered established. Zero means
	// the manager default.
	ConnectionTimeout time.Duration
}

// configWire is the flat representation used for JSON round-trips. The
// Forwarding sum type is encoded as a type discriminator plus the union of
// variant fields; decoding rebuilds the variant and drops fields the type
// does not carry.
type configWire struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`

	SSHHost    string `json:"sshHost"`
	SSHUser    string `json:"sshUser,omitempty"`
	SSHPort    int    `json:"sshPort"`
	SSHKeyPath string `json:"sshKeyPath,omitempty"`

	Type ForwardingType `json:"type"`

	LocalHost  string `json:"localHost,omitempty"`
	LocalPort  int    `json:"localPort,omitempty"`
	RemoteHost string `json:"remoteHost,omitempty"`
	RemotePort int    `json:"remotePort,omitempty"`
	TrustedX11 bool   `json:"trustedX11,omitempty"`
	X11Display string `json:"x11Display,omitempty"`

	Compression         bool `json:"compression,omitempty"`
	KeepAlive           bool `json:"keepAlive,omitempty"`
	AutoReconnect       bool `json:"autoReconnect,omitempty"`
	BindToLocalhostOnly bool `json:"bindToLocalhostOnly,omitempty"`

	ConnectionTimeoutSeconds int `json:"connectionTimeoutSeconds,omitempty"`
}

func (c Config) MarshalJSON() ([]byte, error) {
	w := configWire{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,

		SSHHost:    c.SSHHost,
		SSHUser:    c.SSHUser,
		SSHPort:    c.SSHPort,
		SSHKeyPath: c.SSHKeyPath,

		Compression:         c.Compression,
		KeepAlive:           c.KeepAlive,
		AutoReconnect:       c.AutoReconnect,
		BindToLocalhostOnly: c.BindToLocalhostOnly,

		ConnectionTimeoutSeconds: int(c.ConnectionTimeout / time.Second),
	}

	switch f := c.Forwarding.(type) {
	case LocalForwarding:
		w.Type = Local
		w.LocalPort = f.LocalPort
		w.RemoteHost = f.RemoteHost
		w.RemotePort = f.RemotePort
	case RemoteForwarding:
		w.Type = Remote
		w.RemotePort = f.RemotePort
		w.LocalHost = f.LocalHost
		w.LocalPort = f.LocalPort
	case DynamicForwarding:
		w.Type = Dynamic
		w.LocalPort = f.LocalPort
	case X11Forwarding:
		w.Type = X11
		w.TrustedX11 = f.Trusted
		w.X11Display = f.Display
	case nil:
		// leave the discriminator empty; Validate rejects it later
	default:
		return nil, errors.Errorf("unknown forwarding variant %T", c.Forwarding)
	}

	return json.Marshal(w)
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var w configWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	forwarding, err := forwardingFromWire(w)
	if err != nil {
		return err
	}

	*c = Config{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,

		SSHHost:    w.SSHHost,
		SSHUser:    w.SSHUser,
		SSHPort:    w.SSHPort,
		SSHKeyPath: w.SSHKeyPath,

		Forwarding: forwarding,

		Compression:         w.Compression,
		KeepAlive:           w.KeepAlive,
		AutoReconnect:       w.AutoReconnect,
		BindToLocalhostOnly: w.BindToLocalhostOnly,

		ConnectionTimeout: time.Duration(w.ConnectionTimeoutSeconds) * time.Second,
	}
	return nil
}

func forwardingFromWire(w configWire) (Forwarding, error) {
	switch w.Type {
	case Local:
		return LocalForwarding{
			LocalPort:  w.LocalPort,
			RemoteHost: w.RemoteHost,
			RemotePort: w.RemotePort,
		}, nil
	case Remote:
		return RemoteForwarding{
			RemotePort: w.RemotePort,
			LocalHost:  w.LocalHost,
			LocalPort:  w.LocalPort,
		}, nil
	case Dynamic:
		return DynamicForwarding{LocalPort: w.LocalPort}, nil
	case X11:
		return X11Forwarding{Trusted: w.TrustedX11, Display: w.X11Display}, nil
	case "":
		return nil, nil
	default:
		return nil, errors.Errorf("unknown forwarding type %q", w.Type)
	}
}
