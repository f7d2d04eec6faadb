package saml

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/federata/samlidp/internal/config"
	idcrypto "github.com/federata/samlidp/internal/crypto"
	"github.com/federata/samlidp/internal/sp"
)

// newTestKeyPair generates a throwaway RSA key and matching self-signed
// certificate for signing tests.
func newTestKeyPair(t *testing.T, cn string) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return priv, cert
}

func pemEncode(t *testing.T, priv *rsa.PrivateKey, cert *x509.Certificate) (certPEM, keyPEM string) {
	t.Helper()
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})),
		string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
}

// newTestKeyStore builds a KeyStore with one active key and returns the
// certificate SPs would pin.
func newTestKeyStore(t *testing.T) (*idcrypto.KeyStore, *x509.Certificate) {
	t.Helper()
	priv, cert := newTestKeyPair(t, "idp.test")
	certPEM, keyPEM := pemEncode(t, priv, cert)
	ks, err := idcrypto.NewKeyStore(config.Crypto{
		ActiveKey: "test",
		Keys:      []config.KeyPair{{ID: "test", CertPEM: certPEM, KeyPEM: keyPEM}},
	})
	require.NoError(t, err)
	return ks, cert
}

// spMap is a stub Lookuper for validator tests.
type spMap map[string]*sp.ServiceProvider

func (m spMap) Lookup(entityID string) (*sp.ServiceProvider, bool) {
	s, ok := m[entityID]
	return s, ok
}
