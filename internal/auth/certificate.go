package auth

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CertificateClaims is the payload of an upload certificate issued by the lab
// verification service. tekmac binds the certificate to the exact key set the
// client will publish.
type CertificateClaims struct {
	ReportType           string `json:"reportType"`
	SymptomOnsetInterval int64  `json:"symptomOnsetInterval"`
	TEKMAC               string `json:"tekmac"`
	jwt.RegisteredClaims
}

// CertificateVerifier validates ES256-signed upload certificates
type CertificateVerifier struct {
	publicKey *ecdsa.PublicKey
	issuer    string
	audience  string
}

// NewCertificateVerifier parses the PEM public key of the signing service
func NewCertificateVerifier(publicKeyPEM, issuer, audience string) (*CertificateVerifier, error) {
	key, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse certificate public key: %w", err)
	}
	return &CertificateVerifier{
		publicKey: key,
		issuer:    issuer,
		audience:  audience,
	}, nil
}

// Verify checks signature, issuer and audience and returns the claims
func (v *CertificateVerifier) Verify(tokenString string) (*CertificateClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CertificateClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience))

	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	claims, ok := token.Claims.(*CertificateClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid certificate")
	}
	return claims, nil
}

// SignCertificate issues an upload certificate. This is the lab verification
// service's side of the contract; the server only exercises it in tests and
// dev tooling.
func SignCertificate(privateKey *ecdsa.PrivateKey, keyID, issuer, audience string, claims CertificateClaims) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = keyID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign certificate: %w", err)
	}
	return signed, nil
}
