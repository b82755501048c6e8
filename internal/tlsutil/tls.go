// Package tlsutil builds the TLS contexts spec.md §6 names as the "TLS
// context factory" collaborator: mutually authenticated TLS 1.2+, with
// the server verifying the agent's certificate against the cluster CA and
// the agent verifying the server's identity as the control service.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// ServerConfig returns a *tls.Config for the control service's listener:
// it presents identityCert/identityKey and requires and verifies every
// client certificate against caPEM.
func ServerConfig(caPEM, identityCertPEM, identityKeyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(identityCertPEM, identityKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: loading server identity: %w", err)
	}
	pool, err := caPool(caPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig returns a *tls.Config for an agent dialing the control
// service at serverName: it presents identityCert/identityKey and
// verifies the server's certificate against caPEM.
func ClientConfig(caPEM, identityCertPEM, identityKeyPEM []byte, serverName string) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(identityCertPEM, identityKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: loading client identity: %w", err)
	}
	pool, err := caPool(caPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func caPool(caPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("tlsutil: no certificates found in CA PEM data")
	}
	return pool, nil
}
