package cert

import (
	"crypto/x509"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorityIssuesVerifiableServerCert(t *testing.T) {
	authority, err := NewAuthority("Fleetlink Test")
	require.NoError(t, err)
	assert.True(t, authority.Certificate().IsCA)

	serverCert, err := authority.IssueServer([]string{"relay.local"}, []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	require.Len(t, serverCert.Certificate, 1)

	leaf, err := x509.ParseCertificate(serverCert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "relay.local")
	assert.False(t, leaf.IsCA)

	roots := x509.NewCertPool()
	roots.AddCert(authority.Certificate())
	_, err = leaf.Verify(x509.VerifyOptions{Roots: roots, DNSName: "relay.local"})
	assert.NoError(t, err)
}

func TestWriteCertificateProducesLoadablePEM(t *testing.T) {
	authority, err := NewAuthority("Fleetlink Test")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, authority.WriteCertificate(path))

	pool := x509.NewCertPool()
	assert.True(t, pool.AppendCertsFromPEM(authority.CertificatePEM()))
}
