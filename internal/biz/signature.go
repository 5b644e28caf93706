package biz

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"ReplyRelay/internal/conf"
	pkglog "ReplyRelay/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// SignatureHeader is the header Meta signs webhook deliveries with.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// Validate reports whether signatureHeader is the HMAC-SHA256 of rawBody under
// sharedSecret, in the "sha256=<hex>" form. Every malformed input yields false.
func Validate(rawBody []byte, signatureHeader, sharedSecret string) bool {
	if sharedSecret == "" || signatureHeader == "" {
		return false
	}
	if !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, signaturePrefix))
	if err != nil || len(got) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(sharedSecret))
	mac.Write(rawBody)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign produces the header value Meta would send for body.
func Sign(body []byte, sharedSecret string) string {
	mac := hmac.New(sha256.New, []byte(sharedSecret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// SignatureValidator applies Validate with the configured secret and the
// insecure bypass switch.
type SignatureValidator struct {
	secret string
	bypass bool
	log    *pkglog.LogHelper
}

// NewSignatureValidator creates a validator. Configuration validation has
// already rejected the bypass in production.
func NewSignatureValidator(c *conf.Webhook, logger log.Logger) *SignatureValidator {
	v := &SignatureValidator{
		secret: c.AppSecret,
		bypass: c.InsecureSkipSignature,
		log:    pkglog.NewLogHelper(logger),
	}
	if v.bypass {
		v.log.Security("WEBHOOK SIGNATURE VERIFICATION IS DISABLED; every request is trusted")
	}
	return v
}

// Verify checks a request body and logs the outcome only.
func (v *SignatureValidator) Verify(rawBody []byte, signatureHeader string) bool {
	if v.bypass {
		v.log.Security("webhook signature check bypassed")
		return true
	}
	if Validate(rawBody, signatureHeader, v.secret) {
		v.log.SecurityPassed("webhook signature verified", "body_bytes", len(rawBody))
		return true
	}
	v.log.Security("webhook signature rejected", "header_present", signatureHeader != "")
	return false
}
