package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/rs/zerolog"
)

// caKey is where the CA is persisted
const caKey = "security.ca"

const (
	rootCAValidity = 10 * 365 * 24 * time.Hour
	certValidity   = 90 * 24 * time.Hour
)

// CertAuthority is the cluster's certificate authority. It signs the agent
// certificates and the orchestrator's client certificate used for mutual
// TLS on the agent connections.
type CertAuthority struct {
	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	store    storage.Store
	logger   zerolog.Logger
}

// caRecord is the persisted form of the CA
type caRecord struct {
	RootCertDER []byte `json:"root_cert"`
	RootKeyDER  []byte `json:"root_key"`
}

// NewCertAuthority creates a certificate authority persisted in store
func NewCertAuthority(store storage.Store) *CertAuthority {
	return &CertAuthority{
		store:  store,
		logger: log.WithComponent("security"),
	}
}

// LoadOrInitialize loads the persisted CA, creating and saving a new one on
// first use
func (ca *CertAuthority) LoadOrInitialize() error {
	err := ca.Load()
	if err == nil {
		return nil
	}
	if !storage.IsNotFound(err) {
		return err
	}
	if err := ca.Initialize(); err != nil {
		return err
	}
	if err := ca.Save(); err != nil {
		return err
	}
	ca.logger.Info().Msg("created cluster certificate authority")
	return nil
}

// Initialize generates a new root CA certificate
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}
	serialNumber, err := newSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Keel Cluster"},
			CommonName:   "Keel Root CA",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// Load reads the CA from the store
func (ca *CertAuthority) Load() error {
	var rec caRecord
	if err := storage.GetJSON(ca.store, caKey, &rec); err != nil {
		return err
	}

	rootCert, err := x509.ParseCertificate(rec.RootCertDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}
	rootKey, err := x509.ParseECPrivateKey(rec.RootKeyDER)
	if err != nil {
		return fmt.Errorf("failed to parse root key: %w", err)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// Save writes the CA to the store
func (ca *CertAuthority) Save() error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}
	keyDER, err := x509.MarshalECPrivateKey(ca.rootKey)
	if err != nil {
		return fmt.Errorf("failed to encode root key: %w", err)
	}
	return storage.SetJSON(ca.store, caKey, caRecord{
		RootCertDER: ca.rootCert.Raw,
		RootKeyDER:  keyDER,
	})
}

// IsInitialized returns true if the CA is initialized
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

// IssueAgentCertificate issues the serving certificate of a host agent.
// Every addr is added as an IP or DNS subject alternative name, so the
// orchestrator can verify the agent under the address it dials.
func (ca *CertAuthority) IssueAgentCertificate(hostname string, addrs ...string) (*tls.Certificate, error) {
	dnsNames := []string{hostname}
	var ips []net.IP
	for _, a := range append([]string{hostname}, addrs...) {
		if ip := net.ParseIP(a); ip != nil {
			ips = append(ips, ip)
			continue
		}
		if a != hostname {
			dnsNames = append(dnsNames, a)
		}
	}
	return ca.issue(pkix.Name{
		Organization: []string{"Keel Cluster"},
		CommonName:   "agent-" + hostname,
	}, dnsNames, ips, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth})
}

// IssueOrchestratorCertificate issues the client certificate the
// orchestrator presents to agents
func (ca *CertAuthority) IssueOrchestratorCertificate(id string) (*tls.Certificate, error) {
	return ca.issue(pkix.Name{
		Organization: []string{"Keel Cluster"},
		CommonName:   "orchestrator-" + id,
	}, nil, nil, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth})
}

func (ca *CertAuthority) issue(subject pkix.Name, dnsNames []string, ips []net.IP, usage []x509.ExtKeyUsage) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serialNumber, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  usage,
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// VerifyCertificate verifies a certificate against the root CA
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("CA not initialized")
	}
	return ValidateCertChain(cert, ca.rootCert)
}

// RootCertPEM returns the root certificate, PEM encoded
func (ca *CertAuthority) RootCertPEM() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCert.Raw})
}

// CertPool returns a pool trusting only the root CA
func (ca *CertAuthority) CertPool() *x509.CertPool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	pool := x509.NewCertPool()
	if ca.rootCert != nil {
		pool.AddCert(ca.rootCert)
	}
	return pool
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}
