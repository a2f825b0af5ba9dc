package mfa

import (
	"fmt"

	"github.com/pquerna/otp/totp"
)

// TOTPIssuer is the issuer name shown in authenticator apps.
const TOTPIssuer = "caas.io"

// EnrollTOTP creates a new TOTP secret for a user. The returned URL is
// the otpauth:// provisioning URI for authenticator apps.
func EnrollTOTP(accountName string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TOTPIssuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp key: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// VerifyTOTP checks a code against a secret at the current time step.
func VerifyTOTP(secret, code string) bool {
	return totp.Validate(code, secret)
}
