package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/go-fed/httpsig"
)

// DefaultClockSkew is how far an inbound Date header may drift from our clock.
const DefaultClockSkew = 12 * time.Hour

var (
	postHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}
	getHeaders  = []string{httpsig.RequestTarget, "host", "date"}
)

// KeyResolver returns the actor owning keyId with its public key set.
// refresh bypasses any cached copy.
type KeyResolver interface {
	LookupKey(ctx context.Context, keyId string, refresh bool) (*domain.Actor, error)
}

// SignatureService signs outbound requests and verifies inbound ones.
type SignatureService struct {
	keys      KeyResolver
	clockSkew time.Duration
	now       func() time.Time
}

func NewSignatureService(keys KeyResolver, clockSkew time.Duration) *SignatureService {
	if clockSkew <= 0 {
		clockSkew = DefaultClockSkew
	}
	return &SignatureService{keys: keys, clockSkew: clockSkew, now: time.Now}
}

// Sign returns the Signature, Date, Digest and Host headers for POSTing body
// to inboxURL as actor.
func (s *SignatureService) Sign(actor *domain.Actor, inboxURL string, body []byte) (http.Header, error) {
	u, err := url.Parse(inboxURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid inbox URL %q: %w", inboxURL, ErrInvalidURI)
	}
	req, err := http.NewRequest(http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if err := s.SignRequest(actor, req, body); err != nil {
		return nil, err
	}

	headers := http.Header{}
	for _, name := range []string{"Signature", "Date", "Digest", "Host"} {
		headers.Set(name, req.Header.Get(name))
	}
	return headers, nil
}

// SignRequest signs req in place. A nil body signs a GET without a digest.
func (s *SignatureService) SignRequest(actor *domain.Actor, req *http.Request, body []byte) error {
	if actor == nil || !actor.CanSign() {
		uri := ""
		if actor != nil {
			uri = actor.URI
		}
		return &SigningError{Actor: uri, Err: ErrNoPrivateKey}
	}
	key, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return &SigningError{Actor: actor.URI, Err: err}
	}

	headers := getHeaders
	if body != nil {
		headers = postHeaders
		req.Header.Del("Digest")
	}
	// Signers keep internal state and are not safe for concurrent use.
	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, headers, httpsig.Signature, 0)
	if err != nil {
		return &SigningError{Actor: actor.URI, Err: err}
	}

	req.Header.Set("Date", s.now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	if err := signer.SignRequest(key, actor.KeyId(), req, body); err != nil {
		return &SigningError{Actor: actor.URI, Err: err}
	}
	return nil
}

// Verify authenticates an inbound request whose body has already been read.
// It returns the actor owning the signing key. When the cached key does not
// verify, the key is refetched once before giving up.
func (s *SignatureService) Verify(ctx context.Context, r *http.Request, body []byte) (*domain.Actor, error) {
	if r.Header.Get("Signature") == "" && !strings.HasPrefix(r.Header.Get("Authorization"), "Signature ") {
		return nil, authError("", ErrMissingSignature, nil)
	}
	if r.Header.Get("Host") == "" {
		r.Header.Set("Host", r.Host)
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return nil, authError("", ErrSignatureMismatch, err)
	}
	keyId := verifier.KeyId()
	if err := checkCoverage(r, body); err != nil {
		return nil, authError(keyId, ErrSignatureMismatch, err)
	}

	if err := s.checkDate(r.Header.Get("Date")); err != nil {
		return nil, authError(keyId, ErrStaleDate, err)
	}
	if err := checkDigest(r.Header.Get("Digest"), body); err != nil {
		return nil, authError(keyId, ErrSignatureMismatch, err)
	}

	owner, err := s.keys.LookupKey(ctx, keyId, false)
	if err != nil {
		return nil, authError(keyId, ErrUnknownKey, err)
	}
	if err := verifyWith(verifier, owner); err == nil {
		return owner, nil
	}

	// The remote may have rotated its key since we cached it.
	owner, err = s.keys.LookupKey(ctx, keyId, true)
	if err != nil {
		return nil, authError(keyId, ErrUnknownKey, err)
	}
	if verifier, err = httpsig.NewVerifier(r); err != nil {
		return nil, authError(keyId, ErrSignatureMismatch, err)
	}
	if err := verifyWith(verifier, owner); err != nil {
		return nil, authError(keyId, ErrSignatureMismatch, err)
	}
	return owner, nil
}

func verifyWith(verifier httpsig.Verifier, owner *domain.Actor) error {
	pub, err := ParsePublicKey(owner.PublicKeyPem)
	if err != nil {
		return err
	}
	return verifier.Verify(pub, httpsig.RSA_SHA256)
}

// checkCoverage makes sure the signature covers the request line, Host and
// Date, and Digest whenever there is a body. Unsigned headers prove nothing.
func checkCoverage(r *http.Request, body []byte) error {
	value := r.Header.Get("Signature")
	if value == "" {
		value = strings.TrimPrefix(r.Header.Get("Authorization"), "Signature ")
	}
	// Without a headers parameter only Date is signed.
	signed := map[string]bool{"date": true}
	if list, ok := signatureParams(value)["headers"]; ok {
		signed = map[string]bool{}
		for _, name := range strings.Fields(list) {
			signed[strings.ToLower(name)] = true
		}
	}

	required := getHeaders
	if len(body) > 0 {
		required = postHeaders
	}
	for _, name := range required {
		if !signed[name] {
			return fmt.Errorf("signature does not cover %s", name)
		}
	}
	return nil
}

// signatureParams splits a Signature header into its key="value" pairs.
func signatureParams(value string) map[string]string {
	params := map[string]string{}
	for value != "" {
		var key, val string
		key, value, _ = strings.Cut(value, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if strings.HasPrefix(value, `"`) {
			val, value, _ = strings.Cut(value[1:], `"`)
			_, value, _ = strings.Cut(value, ",")
		} else {
			val, value, _ = strings.Cut(value, ",")
		}
		if key != "" {
			params[key] = strings.TrimSpace(val)
		}
	}
	return params
}

func (s *SignatureService) checkDate(value string) error {
	if value == "" {
		return errors.New("missing Date header")
	}
	date, err := http.ParseTime(value)
	if err != nil {
		return fmt.Errorf("unparsable Date header: %w", err)
	}
	skew := s.now().Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.clockSkew {
		return fmt.Errorf("date %s is %s away from now", value, skew.Round(time.Second))
	}
	return nil
}

// checkDigest compares a "SHA-256=<base64>" header against body. Requests
// without a body may omit the header.
func checkDigest(header string, body []byte) error {
	if header == "" {
		if len(body) == 0 {
			return nil
		}
		return errors.New("missing Digest header")
	}
	want := Digest(body)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		algo, _, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		if part[len(algo):] == want[len("SHA-256"):] {
			return nil
		}
		return errors.New("digest does not match body")
	}
	return errors.New("no SHA-256 digest present")
}

// Digest formats the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// ParsePrivateKey accepts PKCS#1 and PKCS#8 encoded RSA keys.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey accepts PKIX and PKCS#1 encoded RSA public keys.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(bytes.TrimSpace([]byte(pemString)))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
