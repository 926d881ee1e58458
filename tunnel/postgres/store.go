package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/burrowhq/burrow/tunnel"
)

// record is the flat row form of a tunnel.Config. The forwarding variant is
// stored as a type discriminator plus the union of variant columns.
type record struct {
	ID          uuid.UUID `db:"id"`
	CreatedAt   time.Time `db:"created_at"`
	Name        string    `db:"name"`
	Description string    `db:"description"`

	SSHHost    string `db:"ssh_host"`
	SSHUser    string `db:"ssh_user"`
	SSHPort    int    `db:"ssh_port"`
	SSHKeyPath string `db:"ssh_key_path"`

	ForwardingType string `db:"forwarding_type"`
	LocalHost      string `db:"local_host"`
	LocalPort      int    `db:"local_port"`
	RemoteHost     string `db:"remote_host"`
	RemotePort     int    `db:"remote_port"`
	TrustedX11     bool   `db:"trusted_x11"`
	X11Display     string `db:"x11_display"`

	Compression         bool `db:"compression"`
	KeepAlive           bool `db:"keep_alive"`
	AutoReconnect       bool `db:"auto_reconnect"`
	BindToLocalhostOnly bool `db:"bind_to_localhost_only"`

	ConnectionTimeoutSeconds int `db:"connection_timeout_seconds"`
}

var _ tunnel.Store = Client{}

func (c Client) Load(ctx context.Context) ([]tunnel.Config, error) {
	rows, err := c.db.QueryxContext(ctx, `SELECT * FROM burrow.tunnels ORDER BY created_at, id;`)
	if err != nil {
		return nil, errors.Wrap(err, "could not query tunnels")
	}
	defer rows.Close()

	configs := make([]tunnel.Config, 0)
	for rows.Next() {
		var rec record
		if err := rows.StructScan(&rec); err != nil {
			return nil, errors.Wrap(err, "could not scan")
		}
		config, err := rec.config()
		if err != nil {
			return nil, err
		}
		configs = append(configs, config)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return configs, nil
}

func (c Client) Save(ctx context.Context, config tunnel.Config) error {
	rec, err := newRecord(config)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"id":          rec.ID,
		"name":        rec.Name,
		"description": rec.Description,

		"ssh_host":     rec.SSHHost,
		"ssh_user":     rec.SSHUser,
		"ssh_port":     rec.SSHPort,
		"ssh_key_path": rec.SSHKeyPath,

		"forwarding_type": rec.ForwardingType,
		"local_host":      rec.LocalHost,
		"local_port":      rec.LocalPort,
		"remote_host":     rec.RemoteHost,
		"remote_port":     rec.RemotePort,
		"trusted_x11":     rec.TrustedX11,
		"x11_display":     rec.X11Display,

		"compression":            rec.Compression,
		"keep_alive":             rec.KeepAlive,
		"auto_reconnect":         rec.AutoReconnect,
		"bind_to_localhost_only": rec.BindToLocalhostOnly,

		"connection_timeout_seconds": rec.ConnectionTimeoutSeconds,
	}

	query, args, err := psql.Insert("burrow.tunnels").
		SetMap(fields).
		Suffix(upsertSuffix).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "could not generate SQL")
	}

	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "could not upsert tunnel")
	}
	return nil
}

// upsertSuffix keeps created_at from the original insert so Load ordering is
// stable across edits.
const upsertSuffix = `
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	ssh_host = EXCLUDED.ssh_host,
	ssh_user = EXCLUDED.ssh_user,
	ssh_port = EXCLUDED.ssh_port,
	ssh_key_path = EXCLUDED.ssh_key_path,
	forwarding_type = EXCLUDED.forwarding_type,
	local_host = EXCLUDED.local_host,
	local_port = EXCLUDED.local_port,
	remote_host = EXCLUDED.remote_host,
	remote_port = EXCLUDED.remote_port,
	trusted_x11 = EXCLUDED.trusted_x11,
	x11_display = EXCLUDED.x11_display,
	compression = EXCLUDED.compression,
	keep_alive = EXCLUDED.keep_alive,
	auto_reconnect = EXCLUDED.auto_reconnect,
	bind_to_localhost_only = EXCLUDED.bind_to_localhost_only,
	connection_timeout_seconds = EXCLUDED.connection_timeout_seconds
`

func (c Client) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := c.db.ExecContext(ctx, `DELETE FROM burrow.tunnels WHERE id=$1;`, id)
	if err != nil {
		return errors.Wrap(err, "could not delete tunnel")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return tunnel.ErrConfigNotFound
	}
	return nil
}

func (c Client) Get(ctx context.Context, id uuid.UUID) (tunnel.Config, error) {
	var rec record
	result := c.db.QueryRowxContext(ctx, `SELECT * FROM burrow.tunnels WHERE id=$1;`, id)

	switch err := result.StructScan(&rec); err {
	case nil:
		return rec.config()
	case sql.ErrNoRows:
		return tunnel.Config{}, tunnel.ErrConfigNotFound
	default:
		return tunnel.Config{}, err
	}
}

func newRecord(config tunnel.Config) (record, error) {
	rec := record{
		ID:          config.ID,
		Name:        config.Name,
		Description: config.Description,

		SSHHost:    config.SSHHost,
		SSHUser:    config.SSHUser,
		SSHPort:    config.SSHPort,
		SSHKeyPath: config.SSHKeyPath,

		Compression:         config.Compression,
		KeepAlive:           config.KeepAlive,
		AutoReconnect:       config.AutoReconnect,
		BindToLocalhostOnly: config.BindToLocalhostOnly,

		ConnectionTimeoutSeconds: int(config.ConnectionTimeout / time.Second),
	}

	switch f := config.Forwarding.(type) {
	case tunnel.LocalForwarding:
		rec.ForwardingType = string(tunnel.Local)
		rec.LocalPort = f.LocalPort
		rec.RemoteHost = f.RemoteHost
		rec.RemotePort = f.RemotePort
	case tunnel.RemoteForwarding:
		rec.ForwardingType = string(tunnel.Remote)
		rec.RemotePort = f.RemotePort
		rec.LocalHost = f.LocalHost
		rec.LocalPort = f.LocalPort
	case tunnel.DynamicForwarding:
		rec.ForwardingType = string(tunnel.Dynamic)
		rec.LocalPort = f.LocalPort
	case tunnel.X11Forwarding:
		rec.ForwardingType = string(tunnel.X11)
		rec.TrustedX11 = f.Trusted
		rec.X11Display = f.Display
	default:
		return record{}, errors.Errorf("unknown forwarding variant %T", config.Forwarding)
	}

	return rec, nil
}

func (r record) config() (tunnel.Config, error) {
	config := tunnel.Config{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,

		SSHHost:    r.SSHHost,
		SSHUser:    r.SSHUser,
		SSHPort:    r.SSHPort,
		SSHKeyPath: r.SSHKeyPath,

		Compression:         r.Compression,
		KeepAlive:           r.KeepAlive,
		AutoReconnect:       r.AutoReconnect,
		BindToLocalhostOnly: r.BindToLocalhostOnly,

		ConnectionTimeout: time.Duration(r.ConnectionTimeoutSeconds) * time.Second,
	}

	switch tunnel.ForwardingType(r.ForwardingType) {
	case tunnel.Local:
		config.Forwarding = tunnel.LocalForwarding{
			LocalPort:  r.LocalPort,
			RemoteHost: r.RemoteHost,
			RemotePort: r.RemotePort,
		}
	case tunnel.Remote:
		config.Forwarding = tunnel.RemoteForwarding{
			RemotePort: r.RemotePort,
			LocalHost:  r.LocalHost,
			LocalPort:  r.LocalPort,
		}
	case tunnel.Dynamic:
		config.Forwarding = tunnel.DynamicForwarding{LocalPort: r.LocalPort}
	case tunnel.X11:
		config.Forwarding = tunnel.X11Forwarding{Trusted: r.TrustedX11, Display: r.X11Display}
	default:
		return tunnel.Config{}, errors.Errorf("unknown forwarding type %q", r.ForwardingType)
	}

	return config, nil
}
