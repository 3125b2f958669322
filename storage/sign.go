package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/stratacms/strata/common"
)

// Signer mints and verifies signed file tokens and preview tokens. All
// verification fails closed: a malformed, expired or tampered token is
// Forbidden.
type Signer struct {
	Secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{Secret: []byte(secret)}
}

type signedURL struct {
	Key     string `json:"key"`
	Expires int64  `json:"expires"`
	Sig     string `json:"sig"`
}

type signedPayload struct {
	Key     string `json:"key"`
	Expires int64  `json:"expires"`
}

// SignURL returns a token granting access to one key until expires.
func (s *Signer) SignURL(key string, expires time.Time) (string, error) {
	payload, err := json.Marshal(signedPayload{Key: key, Expires: expires.Unix()})
	if err != nil {
		return "", common.Internalf(err, "url signing failed")
	}
	token, err := json.Marshal(signedURL{
		Key:     key,
		Expires: expires.Unix(),
		Sig:     s.sign(payload),
	})
	if err != nil {
		return "", common.Internalf(err, "url signing failed")
	}
	return base64.RawURLEncoding.EncodeToString(token), nil
}

// VerifyURL returns the key a valid token grants access to.
func (s *Signer) VerifyURL(token string, now time.Time) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", common.Forbidden("read", "file")
	}
	var parsed signedURL
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", common.Forbidden("read", "file")
	}
	payload, err := json.Marshal(signedPayload{Key: parsed.Key, Expires: parsed.Expires})
	if err != nil {
		return "", common.Forbidden("read", "file")
	}
	if !hmac.Equal([]byte(s.sign(payload)), []byte(parsed.Sig)) {
		return "", common.Forbidden("read", "file")
	}
	if now.Unix() > parsed.Expires {
		return "", common.Forbidden("read", "file")
	}
	return parsed.Key, nil
}

type previewPayload struct {
	Path string `json:"path"`
	Exp  int64  `json:"exp"`
}

// MintPreviewToken returns a draft-preview token for one path.
func (s *Signer) MintPreviewToken(path string, exp time.Time) (string, error) {
	payload, err := json.Marshal(previewPayload{Path: path, Exp: exp.Unix()})
	if err != nil {
		return "", common.Internalf(err, "preview token minting failed")
	}
	token := string(payload) + "." + s.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// VerifyPreviewToken returns the path a valid preview token grants.
func (s *Signer) VerifyPreviewToken(token string, now time.Time) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", common.Forbidden("preview", "draft")
	}
	// The signature is base64url and can never contain a dot, so the last
	// dot separates payload from signature even when the path holds dots.
	dot := strings.LastIndex(string(raw), ".")
	if dot < 0 {
		return "", common.Forbidden("preview", "draft")
	}
	payload, sig := string(raw[:dot]), string(raw[dot+1:])
	if !hmac.Equal([]byte(s.sign([]byte(payload))), []byte(sig)) {
		return "", common.Forbidden("preview", "draft")
	}
	var parsed previewPayload
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return "", common.Forbidden("preview", "draft")
	}
	if now.Unix() > parsed.Exp {
		return "", common.Forbidden("preview", "draft")
	}
	return parsed.Path, nil
}

func (s *Signer) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
