package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/kaa-endpoint/helpers"
	"github.com/temoto/kaa-endpoint/log2"
	"github.com/temoto/kaa-endpoint/transport"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			assert.Equal(t, time.Second, c.PollMax())
			assert.Equal(t, time.Duration(0), c.TCPRetryDelay())
			assert.Equal(t, 0, len(c.Channels))
		}, ""},

		{"tcp", `tcp { keepalive_sec = 60 in_buffer = 512 max_frame = 8192 retry_delay_ms = -1 }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 60, c.TCP.KeepaliveSec)
				assert.Equal(t, 512, c.TCP.InBuffer)
				assert.Equal(t, 8192, c.TCP.MaxFrame)
				assert.Equal(t, -time.Millisecond, c.TCPRetryDelay())
			}, ""},

		{"channels", `
channel "ops" { transport = "tcp" services = ["profile", "event", "logging"] }
channel "boot" { transport = "mqtt" services = ["bootstrap"] }`,
			func(t testing.TB, c *Config) {
				require.Equal(t, 2, len(c.Channels))
				assert.Equal(t, "ops", c.Channels[0].Name)
				ss, err := c.Channels[0].ParseServices()
				require.NoError(t, err)
				assert.Equal(t, []transport.Service{transport.ServiceProfile, transport.ServiceEvent, transport.ServiceLogging}, ss)
				assert.Equal(t, TransportMQTT, c.Channels[1].Transport)
			}, ""},

		{"access-point", `
access_point "b1" { server = "bootstrap" protocol = "tcp" id = 7 host = "localhost" port = 9889 public_key = "0102" }`,
			func(t testing.TB, c *Config) {
				require.Equal(t, 1, len(c.AccessPoints))
				ap, err := c.AccessPoints[0].AccessPoint()
				require.NoError(t, err)
				assert.Equal(t, uint32(7), ap.ID)
				info, err := transport.ParseConnectionData(ap.ConnectionData)
				require.NoError(t, err)
				assert.Equal(t, "localhost", info.Hostname)
				assert.Equal(t, uint16(9889), info.Port)
				assert.Equal(t, []byte{1, 2}, info.PublicKey)
				st, err := c.AccessPoints[0].ServerType()
				require.NoError(t, err)
				assert.Equal(t, transport.ServerBootstrap, st)
			}, ""},

		{"include-normalize", `
poll_max_ms = 50
include "./empty" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 50*time.Millisecond, c.PollMax())
			}, ""},

		{"include-optional", `
include "mqtt-client" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "dev7", c.MQTT.ClientID)
			}, ""},

		{"include-overwrites", `
mqtt { client_id = "dev1" }
include "mqtt-client" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "dev7", c.MQTT.ClientID)
			}, ""},

		{"include-accumulates", `
channel "ops" { transport = "tcp" services = ["event"] }
include "boot-channel" {}`,
			func(t testing.TB, c *Config) {
				require.Equal(t, 2, len(c.Channels))
				assert.Equal(t, "ops", c.Channels[0].Name)
				assert.Equal(t, "boot", c.Channels[1].Name)
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-include-required", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-service", `channel "x" { transport = "tcp" services = ["weather"] }`, nil, `service="weather" not valid`},
		{"error-mixed-services", `channel "x" { transport = "tcp" services = ["bootstrap", "event"] }`, nil, "channel=x"},
		{"error-transport", `channel "x" { transport = "http" services = ["event"] }`, nil, "transport=http not valid"},
		{"error-channel-duplicate", `
channel "x" { transport = "tcp" services = ["event"] }
channel "x" { transport = "tcp" services = ["profile"] }`, nil, "channel=x already exists"},
		{"error-access-point-port", `access_point "a" { server = "ops" protocol = "tcp" host = "h" port = 70000 }`, nil, "port=70000"},
		{"error-access-point-key", `access_point "a" { server = "ops" protocol = "tcp" host = "h" port = 1 public_key = "xyz" }`, nil, "public_key"},
		{"error-access-point-server", `access_point "a" { server = "edge" protocol = "tcp" host = "h" port = 1 }`, nil, `server type="edge"`},
	}
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"mqtt-client":  `mqtt { client_id = "dev7" }`,
				"boot-channel": `channel "boot" { transport = "tcp" services = ["bootstrap"] }`,
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				if err == nil || !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, mkCheck(c))
	}
}

func TestReadConfigNoNames(t *testing.T) {
	t.Parallel()

	_, err := ReadConfig(log2.NewTest(t, log2.LDebug), NewMockFullReader(nil))
	assert.True(t, errors.IsNotValid(err))
}

func TestOsFullReader(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "kaa-config-")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "main.hcl"), []byte(`
poll_max_ms = 200
include "more.hcl" {}`), 0600))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "more.hcl"), []byte(`tcp { out_buffer = 4096 }`), 0600))

	cfg, err := ReadConfig(log2.NewTest(t, log2.LDebug), NewOsFullReader(), filepath.Join(dir, "main.hcl"))
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, cfg.PollMax())
	assert.Equal(t, 4096, cfg.TCP.OutBuffer)
}

func TestAccessPointConfig(t *testing.T) {
	t.Parallel()

	ap := AccessPointConfig{Name: "a", Server: "ops", Protocol: "tcp", ID: 3, Host: "h", Port: 80, PublicKey: "aabb"}
	got, err := ap.AccessPoint()
	require.NoError(t, err)
	expect := helpers.MustHex("00000002" + "aabb" + "00000001" + "68" + "00000050")
	assert.Equal(t, expect, got.ConnectionData)

	ap.ID = -1
	_, err = ap.AccessPoint()
	assert.True(t, errors.IsNotValid(err))
	ap.ID, ap.Host = 3, ""
	_, err = ap.AccessPoint()
	assert.True(t, errors.IsNotValid(err))
}
