// Package signing implements the signed artifact index ("targets") handling:
// canonical JSON encoding, tag-list mutation and re-signing with the
// project's TUF key. RSA keys sign with RSA-PSS/SHA-256, Ed25519 keys with
// pure Ed25519. Anything else is a misconfiguration and nothing is signed.
package signing

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrSigningMisconfigured = errors.New("signing misconfigured")
	ErrTargetNotFound       = errors.New("target version not found")
)

const (
	MethodRSAPSS  = "rsassa-pss-sha256"
	MethodEd25519 = "ed25519"
)

// Targets is the signed artifact index document. Unknown fields inside
// "signed" survive a mutate-and-republish round trip because the payload is
// held as a generic mapping.
type Targets struct {
	Signatures []Signature    `json:"signatures"`
	Signed     map[string]any `json:"signed"`
}

type Signature struct {
	KeyID  string `json:"keyid"`
	Method string `json:"method"`
	Sig    string `json:"sig"`
}

// Checksum returns the hex SHA-256 of the canonical encoding of the whole
// document. The artifact index service requires it on publish.
func (t *Targets) Checksum() (string, error) {
	var doc map[string]any
	raw, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	canonical, err := CanonicalJSON(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// SetTag adds or removes a tag on the custom tag list of every target entry
// whose custom version equals the given build id.
func (t *Targets) SetTag(buildID int64, tag string, add bool) error {
	targets, ok := t.Signed["targets"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: signed payload has no targets", ErrTargetNotFound)
	}
	found := false
	for _, entry := range targets {
		target, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		custom, ok := target["custom"].(map[string]any)
		if !ok {
			continue
		}
		version, ok := custom["version"].(string)
		if !ok || version != fmt.Sprintf("%d", buildID) {
			continue
		}
		found = true
		tags, _ := custom["tags"].([]any)
		if add {
			// Replayed tag tasks must not stack duplicates.
			present := false
			for _, existing := range tags {
				if existing == tag {
					present = true
					break
				}
			}
			if !present {
				custom["tags"] = append(tags, tag)
			}
		} else {
			kept := make([]any, 0, len(tags))
			for _, existing := range tags {
				if existing != tag {
					kept = append(kept, existing)
				}
			}
			custom["tags"] = kept
		}
	}
	if !found {
		return fmt.Errorf("%w: build %d", ErrTargetNotFound, buildID)
	}
	return nil
}

// Sign bumps the payload version counter and replaces the single signature
// entry with a fresh one produced by the given PEM key.
func (t *Targets) Sign(keyPEM, keyID string) error {
	if keyPEM == "" || keyID == "" {
		return fmt.Errorf("%w: key or key id missing", ErrSigningMisconfigured)
	}

	switch version := t.Signed["version"].(type) {
	case float64:
		t.Signed["version"] = int64(version) + 1
	case int64:
		t.Signed["version"] = version + 1
	case int:
		t.Signed["version"] = int64(version) + 1
	default:
		return fmt.Errorf("signed payload has no version counter")
	}

	canonical, err := CanonicalJSON(t.Signed)
	if err != nil {
		return fmt.Errorf("failed to encode signed payload: %w", err)
	}

	signer, method, err := loadPrivateKey(keyPEM)
	if err != nil {
		return err
	}

	var sig []byte
	switch key := signer.(type) {
	case *rsa.PrivateKey:
		sig, err = rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest(canonical), &rsa.PSSOptions{
			SaltLength: 32,
			Hash:       crypto.SHA256,
		})
	case ed25519.PrivateKey:
		sig = ed25519.Sign(key, canonical)
	}
	if err != nil {
		return fmt.Errorf("signing failed: %w", err)
	}

	t.Signatures = []Signature{{
		KeyID:  keyID,
		Method: method,
		Sig:    base64.StdEncoding.EncodeToString(sig),
	}}
	return nil
}

func digest(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// loadPrivateKey parses a PEM private key and classifies it. Only RSA and
// Ed25519 keys are supported.
func loadPrivateKey(keyPEM string) (crypto.Signer, string, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, "", fmt.Errorf("%w: key is not valid PEM", ErrSigningMisconfigured)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, MethodRSAPSS, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSigningMisconfigured, err)
	}
	switch key := parsed.(type) {
	case *rsa.PrivateKey:
		return key, MethodRSAPSS, nil
	case ed25519.PrivateKey:
		return key, MethodEd25519, nil
	default:
		return nil, "", fmt.Errorf("%w: unsupported key type %T", ErrSigningMisconfigured, parsed)
	}
}

// CanonicalJSON encodes a value as canonical JSON: object keys sorted,
// no insignificant whitespace, no HTML escaping.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch value := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeCanonical(buf, value[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range value {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case float64:
		// JSON numbers decode as float64; the targets document only
		// carries integral counters.
		buf.WriteString(fmt.Sprintf("%d", int64(value)))
		return nil
	case int64:
		buf.WriteString(fmt.Sprintf("%d", value))
		return nil
	case int:
		buf.WriteString(fmt.Sprintf("%d", value))
		return nil
	case string:
		return encodeString(buf, value)
	case bool:
		if value {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case nil:
		buf.WriteString("null")
		return nil
	default:
		return fmt.Errorf("cannot canonicalize value of type %T", v)
	}
}

func encodeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline; canonical form has none.
	buf.Truncate(buf.Len() - 1)
	return nil
}
