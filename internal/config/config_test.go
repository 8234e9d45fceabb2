package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPeer() Peer {
	return Peer{
		RelayURL:      "ws://localhost:8080/ws",
		Name:          "alice",
		STUNServers:   DefaultSTUNServers,
		FlushInterval: 100 * time.Millisecond,
	}
}

func TestPeer_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Peer)
		wantErr bool
	}{
		{name: "ok", mutate: func(*Peer) {}},
		{name: "wss ok", mutate: func(p *Peer) { p.RelayURL = "wss://relay.example/ws" }},
		{name: "http scheme", mutate: func(p *Peer) { p.RelayURL = "http://localhost:8080/ws" }, wantErr: true},
		{name: "bad url", mutate: func(p *Peer) { p.RelayURL = "ws://[::1" }, wantErr: true},
		{name: "blank name", mutate: func(p *Peer) { p.Name = "  " }, wantErr: true},
		{name: "zero flush", mutate: func(p *Peer) { p.FlushInterval = 0 }, wantErr: true},
		{name: "negative ping", mutate: func(p *Peer) { p.PingInterval = -time.Second }, wantErr: true},
		{name: "bad ice server", mutate: func(p *Peer) { p.STUNServers = []string{"stun.example:3478"} }, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := validPeer()
			tc.mutate(&p)
			err := p.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRelay_Validate(t *testing.T) {
	ok := Relay{Bind: "0.0.0.0", Port: 8080, RateLimit: 20, Burst: 40}
	require.NoError(t, ok.Validate())
	assert.Equal(t, "0.0.0.0:8080", ok.Addr())

	bad := ok
	bad.Port = 70000
	require.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = ok
	bad.RateLimit = 0
	require.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = ok
	bad.Burst = 0
	require.ErrorIs(t, bad.Validate(), ErrInvalid)
}

func TestBindEnv_FillsUnsetFlags(t *testing.T) {
	t.Setenv("MESHDRAW_NAME", "zed")
	t.Setenv("MESHDRAW_FLUSH_INTERVAL", "250ms")
	t.Setenv("MESHDRAW_ROOM", "ENVROOM")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	var cfg Peer
	fs.StringVar(&cfg.Name, "name", "", "")
	fs.StringVar(&cfg.Room, "room", "", "")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", 100*time.Millisecond, "")
	require.NoError(t, fs.Parse([]string{"--room", "FLAGROOM"}))

	BindEnv(fs)

	assert.Equal(t, "zed", cfg.Name)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, "FLAGROOM", cfg.Room, "explicit flags win over env")
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("MESHDRAW_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("MESHDRAW_TEST_DOTENV"))

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MESHDRAW_TEST_DOTENV=from-file\n"), 0o600))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("MESHDRAW_TEST_DOTENV"))
}
