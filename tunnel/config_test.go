package tunnel

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_JSONRoundTrip(t *testing.T) {
	for name, config := range map[string]Config{
		"local": {
			ID:                  uuid.New(),
			Name:                "pg-prod",
			Description:         "production database",
			SSHHost:             "bastion.example.com",
			SSHUser:             "deploy",
			SSHPort:             22,
			SSHKeyPath:          "/home/deploy/.ssh/id_ed25519",
			Forwarding:          LocalForwarding{LocalPort: 5433, RemoteHost: "db.internal", RemotePort: 5432},
			Compression:         true,
			AutoReconnect:       true,
			BindToLocalhostOnly: true,
			ConnectionTimeout:   30 * time.Second,
		},
		"remote": {
			ID:         uuid.New(),
			Name:       "webhook",
			SSHHost:    "edge.example.com",
			SSHPort:    2222,
			Forwarding: RemoteForwarding{RemotePort: 9000, LocalHost: "localhost", LocalPort: 3000},
			KeepAlive:  true,
		},
		"dynamic": {
			ID:         uuid.New(),
			Name:       "socks",
			SSHHost:    "proxy.example.com",
			SSHPort:    22,
			Forwarding: DynamicForwarding{LocalPort: 1080},
		},
		"x11": {
			ID:         uuid.New(),
			Name:       "gui",
			SSHHost:    "lab.example.com",
			SSHPort:    22,
			Forwarding: X11Forwarding{Trusted: true, Display: ":0"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			data, err := json.Marshal(config)
			require.NoError(t, err)

			var decoded Config
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, config, decoded)
		})
	}
}

func TestConfig_UnmarshalDiscriminator(t *testing.T) {
	var config Config
	err := json.Unmarshal([]byte(`{
		"name": "socks",
		"sshHost": "proxy.example.com",
		"sshPort": 22,
		"type": "dynamic",
		"localPort": 1080
	}`), &config)
	require.NoError(t, err)
	assert.Equal(t, DynamicForwarding{LocalPort: 1080}, config.Forwarding)

	err = json.Unmarshal([]byte(`{"type": "carrier-pigeon"}`), &config)
	assert.Error(t, err)
}

func TestActiveTunnel_JSON(t *testing.T) {
	at := ActiveTunnel{
		Config: Config{
			ID:         uuid.New(),
			Name:       "pg",
			SSHHost:    "bastion",
			SSHPort:    22,
			Forwarding: LocalForwarding{LocalPort: 5433, RemoteHost: "db", RemotePort: 5432},
		},
		Status:     StatusActive,
		StartedAt:  time.Now().UTC().Truncate(time.Second),
		RetryCount: 2,
		Pid:        4242,
	}

	data, err := json.Marshal(at)
	require.NoError(t, err)

	var decoded ActiveTunnel
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, at, decoded)
}
