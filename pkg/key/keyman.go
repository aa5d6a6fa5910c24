package key

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

const (
	PEM_HEADER_PRIVATE_KEY    = "RSA PRIVATE KEY"
	PEM_HEADER_EC_PRIVATE_KEY = "EC PRIVATE KEY"
	PEM_HEADER_PKCS8_KEY      = "PRIVATE KEY"
	PEM_HEADER_CERTIFICATE    = "CERTIFICATE"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	// leaves are backdated to tolerate clock skew on the intercepted client
	backdate = 24 * time.Hour
)

// PrivateKey is a convenience wrapper for an RSA or ECDSA signing key
type PrivateKey struct {
	signer crypto.Signer
}

// Certificate is a convenience wrapper for x509.Certificate
type Certificate struct {
	cert     *x509.Certificate
	derBytes []byte
}

// LoadPKFromFile loads private key from the specified file
func LoadPKFromFile(filename string) (*PrivateKey, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParsePK(data)
}

// ParsePK decodes a PKCS1, SEC1 or PKCS8 PEM private key
func ParsePK(data []byte) (*PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("unable to decode the pem file")
	}
	switch block.Type {
	case PEM_HEADER_PRIVATE_KEY:
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to decode x509 private key: %w", err)
		}
		return &PrivateKey{signer: k}, nil
	case PEM_HEADER_EC_PRIVATE_KEY:
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to decode ec private key: %w", err)
		}
		return &PrivateKey{signer: k}, nil
	default:
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to decode pkcs8 private key: %w", err)
		}
		s, ok := k.(crypto.Signer)
		if !ok {
			return nil, errors.New("private key is not a signer")
		}
		return &PrivateKey{signer: s}, nil
	}
}

// LoadCertificateFromFile loads certificate from the specified file
func LoadCertificateFromFile(filename string) (*Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseCertificate(data)
}

func ParseCertificate(data []byte) (*Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("unable to decode the pem file")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unable to decode x509 certificate: %w", err)
	}
	return &Certificate{cert: cert, derBytes: block.Bytes}, nil
}

// CertificateFromDER wraps an already parsed DER certificate.
func CertificateFromDER(der []byte) (*Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Certificate{cert: cert, derBytes: der}, nil
}

// NewECKey generates a P-256 key, which is what leaves are issued with.
func NewECKey() (*PrivateKey, error) {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{signer: k}, nil
}

// NewRSAKey generates an RSA key of the given size.
func NewRSAKey(bits int) (*PrivateKey, error) {
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{signer: k}, nil
}

// GenerateCA creates a self-signed root able to sign leaves.
func GenerateCA(name string, key *PrivateKey) (*Certificate, error) {
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial(),
		Subject: pkix.Name{
			Organization: []string{name},
			CommonName:   name,
		},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(caValidity),
		SubjectKeyId:          keyID(key.signer.Public()),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.signer.Public(), key.signer)
	if err != nil {
		return nil, err
	}
	return CertificateFromDER(der)
}

// CertificateForKey issues a leaf for host, signed by ca. An IP host becomes
// an IP SAN, anything else a DNS SAN.
func CertificateForKey(host string, key *PrivateKey, ca *Certificate, caKey *PrivateKey) (*Certificate, error) {
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial(),
		Subject: pkix.Name{
			Organization: []string{"baotun"},
			CommonName:   host,
		},
		NotBefore:    now.Add(-backdate),
		NotAfter:     now.Add(leafValidity),
		SubjectKeyId: keyID(key.signer.Public()),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if _, ok := key.signer.(*rsa.PrivateKey); ok {
		template.KeyUsage |= x509.KeyUsageKeyEncipherment
	}

	// If name is an ip address, add it as an IP SAN
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	signedBytes, err := x509.CreateCertificate(rand.Reader, template, ca.cert, key.signer.Public(), caKey.signer)
	if err != nil {
		return nil, err
	}
	return CertificateFromDER(signedBytes)
}

func serial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}

func keyID(pub crypto.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil
	}
	sum := sha1.Sum(der)
	return sum[:]
}

func (k *PrivateKey) Signer() crypto.Signer { return k.signer }

func (k *PrivateKey) pemBlock() *pem.Block {
	switch s := k.signer.(type) {
	case *rsa.PrivateKey:
		return &pem.Block{Type: PEM_HEADER_PRIVATE_KEY, Bytes: x509.MarshalPKCS1PrivateKey(s)}
	case *ecdsa.PrivateKey:
		der, _ := x509.MarshalECPrivateKey(s)
		return &pem.Block{Type: PEM_HEADER_EC_PRIVATE_KEY, Bytes: der}
	default:
		der, _ := x509.MarshalPKCS8PrivateKey(s)
		return &pem.Block{Type: PEM_HEADER_PKCS8_KEY, Bytes: der}
	}
}

func (k *PrivateKey) PEMEncoded() (pemBytes []byte) {
	return pem.EncodeToMemory(k.pemBlock())
}

// DER returns the PKCS8 encoding of the key.
func (k *PrivateKey) DER() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(k.signer)
}

// PrivateKeyFromDER parses a PKCS8 key written by DER.
func PrivateKeyFromDER(der []byte) (*PrivateKey, error) {
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	s, ok := k.(crypto.Signer)
	if !ok {
		return nil, errors.New("private key is not a signer")
	}
	return &PrivateKey{signer: s}, nil
}

func (c *Certificate) pemBlock() *pem.Block {
	return &pem.Block{Type: PEM_HEADER_CERTIFICATE, Bytes: c.derBytes}
}

func (c *Certificate) PEMEncoded() (pemBytes []byte) {
	return pem.EncodeToMemory(c.pemBlock())
}

func (c *Certificate) X509() *x509.Certificate { return c.cert }

func (c *Certificate) DER() []byte { return c.derBytes }

// Expired reports whether the certificate is outside its validity window at t.
func (c *Certificate) Expired(t time.Time) bool {
	return t.Before(c.cert.NotBefore) || t.After(c.cert.NotAfter)
}

// TLSCertificate pairs a leaf with its key and the issuing chain.
func TLSCertificate(leaf *Certificate, key *PrivateKey, chain ...*Certificate) tls.Certificate {
	c := tls.Certificate{
		Certificate: [][]byte{leaf.derBytes},
		PrivateKey:  key.signer,
		Leaf:        leaf.cert,
	}
	for _, ca := range chain {
		c.Certificate = append(c.Certificate, ca.derBytes)
	}
	return c
}

// WriteFiles stores the certificate and key as PEM files.
func WriteFiles(cert *Certificate, pk *PrivateKey, certPath, keyPath string) error {
	if err := os.WriteFile(certPath, cert.PEMEncoded(), 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, pk.PEMEncoded(), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}
