package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
	"time"
)

// StripeSignatureTolerance bounds the age of a signed Stripe delivery.
const StripeSignatureTolerance = 5 * time.Minute

// VerifyStripeSignature checks a Stripe-Signature header of the form
// "t=<unix>,v1=<hex>[,v1=<hex>...]" against payload.
func VerifyStripeSignature(payload []byte, signatureHeader, webhookSecret string, now time.Time) error {
	header := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if header == "" || secret == "" {
		return ErrSignatureInvalid
	}

	var (
		timestamp  int64
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return ErrSignatureInvalid
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(kv[1])
			if err == nil {
				signatures = append(signatures, sig)
			}
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return ErrSignatureInvalid
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > StripeSignatureTolerance || age < -StripeSignatureTolerance {
		return ErrSignatureInvalid
	}

	signed := make([]byte, 0, len(payload)+16)
	signed = append(signed, strconv.FormatInt(timestamp, 10)...)
	signed = append(signed, '.')
	signed = append(signed, payload...)

	for _, sig := range signatures {
		if verifyHMAC(signed, sig, []byte(secret), sha256.New) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

// SignStripePayload builds a Stripe-Signature header value. Used by tests and
// local tooling that replays captured events.
func SignStripePayload(payload []byte, secret string, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(t))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + t + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(payload, expectedSig, secret []byte, hashFunc func() hash.Hash) bool {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}
