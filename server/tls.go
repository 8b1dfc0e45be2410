package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// ServerName is the name the server certificate is issued for. Clients verify it regardless of the address they dial.
const ServerName = "headless"

// Certs holds a CA and the server and client certificates it issued, PEM encoded.
// It contains the secrets for mTLS between a session and the server, so handle carefully.
type Certs struct {
	CACert     []byte
	ServerCert []byte
	ServerKey  []byte
	ClientCert []byte
	ClientKey  []byte
}

// Cert file names used by WriteFiles and ReadCerts.
const (
	CACertFile     = "ca.pem"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server-key.pem"
	ClientCertFile = "client.pem"
	ClientKeyFile  = "client-key.pem"
)

func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificate found")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		ServerName:   ServerName,
	}, nil
}

// ServerTLSConfig requires clients to present a certificate issued by the CA.
func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificate found")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// GenerateCerts creates a CA valid for validity along with a server and a client certificate.
func GenerateCerts(validity time.Duration) (*Certs, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	caTemplate, err := template(pkix.Name{CommonName: "headless CA"}, validity)
	if err != nil {
		return nil, err
	}
	caTemplate.IsCA = true
	caTemplate.BasicConstraintsValid = true
	caTemplate.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("creating CA cert: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, fmt.Errorf("parsing CA cert: %w", err)
	}

	serverCert, serverKey, err := issue(caCert, caKey, ServerName, validity)
	if err != nil {
		return nil, fmt.Errorf("issuing server cert: %w", err)
	}
	clientCert, clientKey, err := issue(caCert, caKey, "headless client", validity)
	if err != nil {
		return nil, fmt.Errorf("issuing client cert: %w", err)
	}
	return &Certs{
		CACert:     pemEncode("CERTIFICATE", caDER),
		ServerCert: serverCert,
		ServerKey:  serverKey,
		ClientCert: clientCert,
		ClientKey:  clientKey,
	}, nil
}

func template(subject pkix.Name, validity time.Duration) (*x509.Certificate, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validity),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}, nil
}

func issue(ca *x509.Certificate, caKey *ecdsa.PrivateKey, cn string, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	c, err := template(pkix.Name{CommonName: cn}, validity)
	if err != nil {
		return nil, nil, err
	}
	c.DNSNames = []string{ServerName}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, c, ca, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return pemEncode("CERTIFICATE", der), pemEncode("PRIVATE KEY", keyDER), nil
}

func pemEncode(typ string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
}

// WriteFiles writes the certs into dir. Keys are only readable by the owner.
func (c *Certs) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{CACertFile, c.CACert, 0644},
		{ServerCertFile, c.ServerCert, 0644},
		{ServerKeyFile, c.ServerKey, 0600},
		{ClientCertFile, c.ClientCert, 0644},
		{ClientKeyFile, c.ClientKey, 0600},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.mode); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}

// ReadCerts reads certs written by WriteFiles. Missing files are left empty.
func ReadCerts(dir string) (*Certs, error) {
	c := &Certs{}
	targets := map[string]*[]byte{
		CACertFile:     &c.CACert,
		ServerCertFile: &c.ServerCert,
		ServerKeyFile:  &c.ServerKey,
		ClientCertFile: &c.ClientCert,
		ClientKeyFile:  &c.ClientKey,
	}
	for name, target := range targets {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		*target = b
	}
	return c, nil
}
