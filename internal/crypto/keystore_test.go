package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federata/samlidp/internal/config"
)

func testKeyPair(t *testing.T, cn string) (certPEM, keyPEM string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
}

func TestNewKeyStore(t *testing.T) {
	activeCert, activeKey := testKeyPair(t, "active")
	retiredCert, _ := testKeyPair(t, "retired")

	ks, err := NewKeyStore(config.Crypto{
		ActiveKey: "k2",
		Keys: []config.KeyPair{
			{ID: "k1", CertPEM: retiredCert}, // cert only, kept for metadata
			{ID: "k2", CertPEM: activeCert, KeyPEM: activeKey},
		},
	})
	require.NoError(t, err)

	active := ks.Active()
	require.NotNil(t, active.PrivateKey)

	rsaKey, err := ks.ActiveRSAKey()
	require.NoError(t, err)
	assert.NotNil(t, rsaKey)

	cert, err := ks.ActiveCert()
	require.NoError(t, err)
	assert.Equal(t, "active", cert.Subject.CommonName)

	// both certs published for metadata
	assert.Len(t, ks.AllCertsDER(), 2)
}

func TestNewKeyStoreActiveKeyMustSign(t *testing.T) {
	certPEM, _ := testKeyPair(t, "certonly")

	_, err := NewKeyStore(config.Crypto{
		ActiveKey: "k1",
		Keys:      []config.KeyPair{{ID: "k1", CertPEM: certPEM}},
	})
	assert.Error(t, err)

	_, err = NewKeyStore(config.Crypto{ActiveKey: "missing"})
	assert.Error(t, err)
}

func TestNewKeyStoreRejectsBadPEM(t *testing.T) {
	_, err := NewKeyStore(config.Crypto{
		ActiveKey: "k1",
		Keys:      []config.KeyPair{{ID: "k1", CertPEM: "garbage", KeyPEM: "garbage"}},
	})
	assert.Error(t, err)
}
