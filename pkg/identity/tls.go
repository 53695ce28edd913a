package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ALPN is the application protocol negotiated between peers.
const ALPN = "contained/1"

var (
	ErrNoPeerCertificate = errors.New("identity: no peer certificate")
	ErrPeerKey           = errors.New("identity: peer certificate does not carry an ed25519 key")
	ErrPeerName          = errors.New("identity: certificate common name does not match its key")
)

// Certificate returns a self-signed certificate whose subject common name
// is the hex peer id.
func (ident *Identity) Certificate() (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: ident.ID.String()},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{ident.ID.String()},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, ident.priv.Public(), ident.priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  ident.priv,
		Leaf:        leaf,
	}, nil
}

// TLSConfig returns a mutual TLS configuration authenticating peers by
// their key rather than by a certificate authority. Both sides must present
// a certificate produced by Certificate.
func (ident *Identity) TLSConfig() (*tls.Config, error) {
	cert, err := ident.Certificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		// Chains are checked by VerifyPeerCertificate against the key.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeer,
		NextProtos:            []string{ALPN},
		MinVersion:            tls.VersionTLS13,
	}, nil
}

func verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoPeerCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}
	_, err = PeerFromCertificates([]*x509.Certificate{cert})
	return err
}

// PeerFromCertificates authenticates the leaf certificate of a peer and
// returns its id.
func PeerFromCertificates(certs []*x509.Certificate) (PeerID, error) {
	var id PeerID
	if len(certs) == 0 {
		return id, ErrNoPeerCertificate
	}
	leaf := certs[0]
	pub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok || len(pub) != len(id) {
		return id, ErrPeerKey
	}
	copy(id[:], pub)
	if leaf.Subject.CommonName != id.String() {
		return PeerID{}, fmt.Errorf("%w: %q", ErrPeerName, leaf.Subject.CommonName)
	}
	if err := leaf.CheckSignatureFrom(leaf); err != nil {
		return PeerID{}, fmt.Errorf("identity: invalid self-signature: %w", err)
	}
	return id, nil
}
