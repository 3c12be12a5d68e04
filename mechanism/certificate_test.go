package mechanism

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/provider"
	"github.com/kryptolib/p11token/template"
)

func TestSelfSignCertificateInstallsCertificateObject(t *testing.T) {
	reg := NewDefaultRegistry()
	tmpl := template.NewRegistry()
	prov := provider.Default{}

	keyPairMech, err := reg.Get(RSAPKCSKeyPairGen)
	require.NoError(t, err)

	verifyAttr := boolAttr(t, attribute.Verify, true)
	signAttr := boolAttr(t, attribute.Sign, true)
	pub, priv, err := keyPairMech.GenerateKeyPair(nil, []attribute.Attribute{verifyAttr}, []attribute.Attribute{signAttr}, tmpl, prov)
	require.NoError(t, err)

	cert, err := SelfSignCertificate(priv, pub, "p11token test", tmpl, prov)
	require.NoError(t, err)

	classAttr, ok := cert.GetAttr(attribute.Class)
	require.True(t, ok)
	classVal, _ := classAttr.ULong()
	assert.Equal(t, template.ClassCertificate, classVal)

	certTypeAttr, ok := cert.GetAttr(attribute.CertificateType)
	require.True(t, ok)
	certTypeVal, _ := certTypeAttr.ULong()
	assert.Equal(t, template.CertificateTypeX509, certTypeVal)

	subjectAttr, ok := cert.GetAttr(attribute.Subject)
	require.True(t, ok)
	assert.NotEmpty(t, subjectAttr.Bytes())

	valueAttr, ok := cert.GetAttr(attribute.Value)
	require.True(t, ok)
	assert.NotEmpty(t, valueAttr.Bytes())
}

func TestSelfSignCertificateRejectsKeyWithoutSignCapability(t *testing.T) {
	reg := NewDefaultRegistry()
	tmpl := template.NewRegistry()
	prov := provider.Default{}

	keyPairMech, err := reg.Get(RSAPKCSKeyPairGen)
	require.NoError(t, err)

	verifyAttr := boolAttr(t, attribute.Verify, true)
	pub, priv, err := keyPairMech.GenerateKeyPair(nil, []attribute.Attribute{verifyAttr}, nil, tmpl, prov)
	require.NoError(t, err)

	_, err = SelfSignCertificate(priv, pub, "p11token test", tmpl, prov)
	assert.Error(t, err)
}
