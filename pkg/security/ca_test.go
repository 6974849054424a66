package security

import (
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/cuemby/keel/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCA(t *testing.T) (*CertAuthority, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	ca := NewCertAuthority(store)
	require.NoError(t, ca.LoadOrInitialize())
	return ca, store
}

func TestLoadOrInitialize(t *testing.T) {
	ca, store := newCA(t)
	assert.True(t, ca.IsInitialized())
	assert.True(t, ca.rootCert.IsCA)

	// a second authority on the same store loads the same root
	again := NewCertAuthority(store)
	require.NoError(t, again.LoadOrInitialize())
	assert.Equal(t, ca.rootCert.Raw, again.rootCert.Raw)
	assert.Equal(t, ca.RootCertPEM(), again.RootCertPEM())
}

func TestIssueBeforeInitialize(t *testing.T) {
	ca := NewCertAuthority(storage.NewMemoryStore())
	assert.False(t, ca.IsInitialized())

	_, err := ca.IssueAgentCertificate("node1")
	assert.Error(t, err)
	assert.Error(t, ca.Save())
	assert.Nil(t, ca.RootCertPEM())
}

func TestIssueAgentCertificate(t *testing.T) {
	ca, _ := newCA(t)

	cert, err := ca.IssueAgentCertificate("node1", "10.0.0.1", "node1.example.com")
	require.NoError(t, err)

	leaf := cert.Leaf
	assert.Equal(t, "agent-node1", leaf.Subject.CommonName)
	assert.ElementsMatch(t, []string{"node1", "node1.example.com"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.True(t, leaf.IPAddresses[0].Equal(net.ParseIP("10.0.0.1")))
	assert.Contains(t, leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.NoError(t, ca.VerifyCertificate(leaf))

	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName: "10.0.0.1",
		Roots:   ca.CertPool(),
	})
	assert.NoError(t, err)
	assert.False(t, CertNeedsRotation(leaf))
	assert.WithinDuration(t, time.Now().Add(certValidity), leaf.NotAfter, time.Hour)
}

func TestIssueOrchestratorCertificate(t *testing.T) {
	ca, _ := newCA(t)

	cert, err := ca.IssueOrchestratorCertificate("keel-1")
	require.NoError(t, err)
	assert.Equal(t, "orchestrator-keel-1", cert.Leaf.Subject.CommonName)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.Leaf.ExtKeyUsage)
	assert.NoError(t, ca.VerifyCertificate(cert.Leaf))
}

func TestForeignCertificateRejected(t *testing.T) {
	ca, _ := newCA(t)
	other, _ := newCA(t)

	cert, err := other.IssueAgentCertificate("node1")
	require.NoError(t, err)
	assert.Error(t, ca.VerifyCertificate(cert.Leaf))
}

func TestCertFiles(t *testing.T) {
	ca, _ := newCA(t)
	dir := t.TempDir()

	assert.False(t, CertExists(dir))

	cert, err := ca.IssueAgentCertificate("node1", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, SaveCertToFile(cert, dir))
	require.NoError(t, SaveCACertToFile(ca.RootCertPEM(), dir))
	assert.True(t, CertExists(dir))

	loaded, err := LoadCertFromFile(dir)
	require.NoError(t, err)
	assert.Equal(t, cert.Leaf.Raw, loaded.Leaf.Raw)

	pool, err := LoadCAPoolFromFile(dir)
	require.NoError(t, err)
	_, err = loaded.Leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: "node1"})
	assert.NoError(t, err)
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name string
		cert *x509.Certificate
		want bool
	}{
		{name: "nil", cert: nil, want: true},
		{name: "fresh", cert: &x509.Certificate{NotAfter: time.Now().Add(60 * 24 * time.Hour)}, want: false},
		{name: "expiring", cert: &x509.Certificate{NotAfter: time.Now().Add(10 * 24 * time.Hour)}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CertNeedsRotation(tt.cert))
		})
	}
}
