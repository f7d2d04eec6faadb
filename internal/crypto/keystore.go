package crypto

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/federata/samlidp/internal/config"
)

// KeyStore holds the IdP signing keypairs. All certificates are kept for
// metadata publication so SPs can verify across a rotation; only the active
// key signs.
type KeyStore struct {
	activeID string
	signers  map[string]tls.Certificate
	certsDER map[string][]byte
}

func NewKeyStore(c config.Crypto) (*KeyStore, error) {
	ks := &KeyStore{
		activeID: c.ActiveKey,
		signers:  map[string]tls.Certificate{},
		certsDER: map[string][]byte{},
	}
	for _, k := range c.Keys {
		cert, priv, err := parseKeypair(k.CertPEM, k.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.ID, err)
		}
		ks.certsDER[k.ID] = cert.Raw
		if priv != nil {
			ks.signers[k.ID] = tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: priv, Leaf: cert}
		}
	}
	if _, ok := ks.signers[ks.activeID]; !ok {
		return nil, errors.New("active signing key not available (missing or no private key)")
	}
	return ks, nil
}

func (ks *KeyStore) Active() tls.Certificate { return ks.signers[ks.activeID] }

// ActiveRSAKey returns the active private key for redirect-binding query
// signatures, which sign a plain byte string rather than an XML tree.
func (ks *KeyStore) ActiveRSAKey() (*rsa.PrivateKey, error) {
	key, ok := ks.signers[ks.activeID].PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("active key is not RSA")
	}
	return key, nil
}

func (ks *KeyStore) ActiveCert() (*x509.Certificate, error) {
	c := ks.signers[ks.activeID]
	if c.Leaf != nil {
		return c.Leaf, nil
	}
	return x509.ParseCertificate(c.Certificate[0])
}

func (ks *KeyStore) AllCertsDER() [][]byte {
	out := make([][]byte, 0, len(ks.certsDER))
	for _, der := range ks.certsDER {
		out = append(out, der)
	}
	return out
}

func parseKeypair(certPEM, keyPEM string) (*x509.Certificate, interface{}, error) {
	cb, _ := pem.Decode([]byte(certPEM))
	if cb == nil {
		return nil, nil, errors.New("invalid cert pem")
	}
	cert, err := x509.ParseCertificate(cb.Bytes)
	if err != nil {
		return nil, nil, err
	}
	var priv interface{}
	if keyPEM != "" {
		kb, _ := pem.Decode([]byte(keyPEM))
		if kb == nil {
			return nil, nil, errors.New("invalid key pem")
		}
		priv, err = x509.ParsePKCS8PrivateKey(kb.Bytes)
		if err != nil {
			priv, err = x509.ParsePKCS1PrivateKey(kb.Bytes)
			if err != nil {
				return nil, nil, err
			}
		}
	}
	return cert, priv, nil
}
