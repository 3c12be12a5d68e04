package mechanism

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/cloudflare/cfssl/helpers"

	"github.com/kryptolib/p11token/attribute"
	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/object"
	"github.com/kryptolib/p11token/provider"
	"github.com/kryptolib/p11token/template"
)

// SelfSignCertificate implements the CKO_CERTIFICATE import-by-
// generation path this module adds beyond plain create_object: it
// builds a self-signed X.509 certificate over an existing RSA key
// pair and installs it as a certificate object, the way the teacher's
// cryptoservice/certificate.go turns a root key into a GUN-scoped
// certificate. Unlike the teacher, which only ever self-signs, the
// cfssl helpers round-trip (PEM-encode then re-parse) stands in for
// the validation a real CA-issued certificate would need before
// being trusted.
func SelfSignCertificate(priv, pub *object.Object, subject string, reg *template.Registry, p provider.Provider) (*object.Object, error) {
	privKey, err := loadRSAPrivateKey(priv, attribute.Sign)
	if err != nil {
		return nil, err
	}
	pubKey, err := loadRSAPublicKey(pub, attribute.Verify)
	if err != nil {
		return nil, err
	}

	serialBytes, err := p.Random(16)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}

	certTemplate := &x509.Certificate{
		SerialNumber:          new(big.Int).SetBytes(serialBytes),
		Subject:               pkix.Name{CommonName: subject},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rsaRandReader(p), certTemplate, certTemplate, pubKey, privKey)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DeviceError, err)
	}

	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DataInvalid, err)
	}
	// Exercise cfssl's PEM codec as the validation pass a host would run
	// on a certificate before trusting it, rather than trusting der as-is.
	verified, err := helpers.ParseCertificatePEM(helpers.EncodeCertificatePEM(parsed))
	if err != nil {
		return nil, ckerror.Wrap(ckerror.DataInvalid, err)
	}

	classAttr, _ := attribute.FromULong(attribute.Class, template.ClassCertificate)
	certTypeAttr, _ := attribute.FromULong(attribute.CertificateType, template.CertificateTypeX509)
	subjectAttr, _ := attribute.FromBytes(attribute.Subject, verified.RawSubject)
	issuerAttr, _ := attribute.FromBytes(attribute.Issuer, verified.RawIssuer)
	serialAttr, _ := attribute.FromBytes(attribute.SerialNumber, verified.SerialNumber.Bytes())
	valueAttr, _ := attribute.FromBytes(attribute.Value, verified.Raw)

	return reg.CreateFromTemplate([]attribute.Attribute{
		classAttr, certTypeAttr, subjectAttr, issuerAttr, serialAttr, valueAttr,
	})
}
