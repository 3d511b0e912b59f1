package agent

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyposync/hyposync/internal/agent/config"
)

func TestLANPort(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want int
	}{
		{"port only", ":8443", 8443},
		{"host and port", "0.0.0.0:9000", 9000},
		{"garbage falls back", "nonsense", 8443},
		{"empty falls back", "", 8443},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &App{config: &config.Config{LANListen: tt.addr}}
			assert.Equal(t, tt.want, app.lanPort())
		})
	}
}

func TestSelfSignedCert(t *testing.T) {
	cert, err := selfSignedCert()
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "hyposync-lan", parsed.Subject.CommonName)
	assert.Contains(t, parsed.DNSNames, "hyposync.local")

	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, parsed.KeyUsage)
}
