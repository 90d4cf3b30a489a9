package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shini4i/tunnel-supervisor/internal/config"
)

func TestSSHArgs(t *testing.T) {
	t.Run("unix", func(t *testing.T) {
		args := sshArgs("linux", "/tmp/tunnel-1.key", 40000, "203.0.113.10", 22)
		assert.Equal(t, []string{
			"-i", "/tmp/tunnel-1.key",
			"-L", "40000:127.0.0.1:2018",
			"sshtunnel@203.0.113.10",
			"-p", "22",
			"-o", "UserKnownHostsFile=/dev/null",
			"-o", "StrictHostKeyChecking=no",
			"-N", "-T", "-v",
		}, args)
	})

	t.Run("windows", func(t *testing.T) {
		args := sshArgs("windows", `C:\tmp\tunnel-1.ppk`, 40000, "203.0.113.10", 53)
		assert.Equal(t, []string{
			"-i", `C:\tmp\tunnel-1.ppk`,
			"-L", "40000:127.0.0.1:2018",
			"sshtunnel@203.0.113.10",
			"-P", "53",
			"-N", "-T", "-v",
		}, args)
	})
}

func TestSSLConfig(t *testing.T) {
	body := "options = NO_SSLv2\n" +
		"client = yes\n" +
		"debug = 6\n" +
		"\n" +
		"[openvpn]\n" +
		"accept = 127.0.0.1:41000\n" +
		"connect = 203.0.113.10:443\n" +
		"TIMEOUTclose = 0\n" +
		"\n"

	assert.Equal(t, "output = /dev/stdout\npid = /tmp/stunnel4.pid\n"+body,
		sslConfig("linux", 41000, "203.0.113.10", 443))
	assert.Equal(t, body, sslConfig("windows", 41000, "203.0.113.10", 443))
}

func TestKeyExtension(t *testing.T) {
	assert.Equal(t, "key", keyExtension("linux"))
	assert.Equal(t, "key", keyExtension("darwin"))
	assert.Equal(t, "ppk", keyExtension("windows"))
}

func TestTransportFor(t *testing.T) {
	tests := []struct {
		protocol string
		expected Transport
	}{
		{config.ProtocolUDP, TransportDirect},
		{config.ProtocolTCP, TransportDirect},
		{config.ProtocolSSH, TransportSSH},
		{config.ProtocolSSL, TransportSSL},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			assert.Equal(t, tt.expected, transportFor(tt.protocol))
		})
	}
}

func TestProxyPortFor(t *testing.T) {
	random := func() int { return 50123 }
	cfg := config.DefaultConfig()
	cfg.SSH.Port = 2222
	cfg.SSL.Port = 0

	assert.Equal(t, 2222, proxyPortFor(cfg, config.ProtocolSSH, random))
	assert.Equal(t, 50123, proxyPortFor(cfg, config.ProtocolSSL, random))
	assert.Equal(t, 0, proxyPortFor(cfg, config.ProtocolUDP, random))
	assert.Equal(t, 0, proxyPortFor(cfg, config.ProtocolTCP, random))
}

func TestRandomProxyPort(t *testing.T) {
	for i := 0; i < 1000; i++ {
		p := randomProxyPort()
		assert.GreaterOrEqual(t, p, 1024)
		assert.Less(t, p, 65536)
	}
}
