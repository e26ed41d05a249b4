package security

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// minKeyBits is the smallest RSA key size accepted for signing.
const minKeyBits = 1024

// mustSignHeaders is the fixed header set every signature covers; the
// configured extra headers are appended to it.
var mustSignHeaders = []string{
	"From", "Subject", "To", "Date", "Message-ID", "Content-Type",
	"MIME-Version",
}

// conditionalSignHeaders are signed only when present, so that a relay
// downstream may still add them.
var conditionalSignHeaders = []string{
	"Reply-To", "List-ID", "List-Unsubscribe", "Sender",
}

// DKIMSigner signs outbound messages with relaxed/simple
// canonicalization for the sender's domain.
type DKIMSigner struct {
	selector     string
	privateKey   *rsa.PrivateKey
	extraHeaders []string
}

// NewDKIMSigner loads the PEM private key and builds a signer.
func NewDKIMSigner(selector, keyPath string, extraHeaders []string) (*DKIMSigner, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read DKIM key: %w", err)
	}
	return NewDKIMSignerFromPEM(selector, keyData, extraHeaders)
}

// NewDKIMSignerFromPEM builds a signer from in-memory key material.
func NewDKIMSignerFromPEM(selector string, keyData []byte, extraHeaders []string) (*DKIMSigner, error) {
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	var privateKey *rsa.PrivateKey

	// Try PKCS#1 format first
	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS#8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
	}

	if privateKey.N.BitLen() < minKeyBits {
		return nil, fmt.Errorf("DKIM key is %d bits, minimum is %d", privateKey.N.BitLen(), minKeyBits)
	}

	return &DKIMSigner{
		selector:     selector,
		privateKey:   privateKey,
		extraHeaders: extraHeaders,
	}, nil
}

// Sign returns the message with a DKIM-Signature header for the given
// domain. presentHeaders narrows the conditionally-signed set to the
// headers the message actually carries.
func (s *DKIMSigner) Sign(domain string, message []byte, presentHeaders func(string) bool) ([]byte, error) {
	headerKeys := append([]string{}, mustSignHeaders...)
	headerKeys = append(headerKeys, s.extraHeaders...)
	for _, h := range conditionalSignHeaders {
		if presentHeaders == nil || presentHeaders(h) {
			headerKeys = append(headerKeys, h)
		}
	}

	options := &dkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.privateKey,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationSimple,
		HeaderKeys:             headerKeys,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, err
	}
	return signed.Bytes(), nil
}

// Verify checks every DKIM signature of a message against the published
// TXT records. Returns nil when all signatures hold.
func Verify(r io.Reader) error {
	verifications, err := dkim.Verify(r)
	if err != nil {
		return err
	}
	if len(verifications) == 0 {
		return fmt.Errorf("no DKIM signature found")
	}
	for _, v := range verifications {
		if v.Err != nil {
			return fmt.Errorf("signature for %s failed: %w", v.Domain, v.Err)
		}
	}
	return nil
}

// FormatDKIMPublicKey formats the public key for the DNS TXT record.
func FormatDKIMPublicKey(key *rsa.PublicKey) (string, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", err
	}

	block := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	}
	pemData := pem.EncodeToMemory(block)

	// Remove PEM headers and newlines
	pubStr := string(pemData)
	pubStr = strings.ReplaceAll(pubStr, "-----BEGIN PUBLIC KEY-----", "")
	pubStr = strings.ReplaceAll(pubStr, "-----END PUBLIC KEY-----", "")
	pubStr = strings.ReplaceAll(pubStr, "\n", "")

	return fmt.Sprintf("v=DKIM1; k=rsa; p=%s", pubStr), nil
}
