/*
Package security provides the cluster certificate authority used for mutual
TLS between the orchestrator and the host agents.

# Architecture

	                ┌──────────────────────────┐
	                │      CertAuthority       │
	                │  ECDSA P-256 root, 10y   │
	                │  persisted: security.ca  │
	                └─────┬──────────────┬─────┘
	                      │              │
	     IssueOrchestrator│              │IssueAgentCertificate
	       Certificate    ▼              ▼   (hostname + addrs)
	            ┌──────────────┐   ┌──────────────┐
	            │ orchestrator │──►│  host agent  │
	            │ client cert  │TLS│ server cert  │
	            └──────────────┘   └──────────────┘

The root certificate and key live in the same storage.Store as the rest of
the cluster state, so a replicated store replicates the CA with it. Issued
certificates are valid for 90 days; CertNeedsRotation reports when fewer
than 30 remain.

Agents verify that the orchestrator presents a certificate signed by the
root (tls.RequireAndVerifyClientCert). The orchestrator verifies the agent
certificate against the address it dials, which is why every address of
the host is added as a subject alternative name.

# Certificate directories

An agent reads its certificate from a directory:

	tls.crt   agent certificate
	tls.key   agent private key (PKCS#8)
	ca.crt    cluster root certificate

Usage:

	ca := security.NewCertAuthority(store)
	if err := ca.LoadOrInitialize(); err != nil {
		return err
	}
	cert, err := ca.IssueAgentCertificate("node1", "10.0.0.1")
	if err != nil {
		return err
	}
	_ = security.SaveCertToFile(cert, dir)
	_ = security.SaveCACertToFile(ca.RootCertPEM(), dir)
*/
package security
