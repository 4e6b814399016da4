// Package auth verifies AWS Signature V4 requests against the sandbox
// credentials. Streaming payload chunk signatures are not re-verified.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kumasuke/dura/internal/api"
	"github.com/rs/zerolog/log"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	amzDateFormat   = "20060102T150405Z"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	maxSkew         = 15 * time.Minute
	maxPresignAge   = 7 * 24 * time.Hour
)

// Authenticator guards the S3 routes.
type Authenticator interface {
	Wrap(next http.Handler) http.Handler
}

// SigV4 accepts requests signed with one static key pair, either in the
// Authorization header or as a presigned URL.
type SigV4 struct {
	accessKey string
	secretKey string
	now       func() time.Time
}

// NewSigV4 returns an Authenticator for the given credentials.
func NewSigV4(accessKey, secretKey string) *SigV4 {
	return &SigV4{accessKey: accessKey, secretKey: secretKey, now: time.Now}
}

// Wrap implements Authenticator.
func (s *SigV4) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err *api.S3Error
		switch {
		case r.Header.Get("Authorization") != "":
			err = s.verifyHeader(r)
		case r.URL.Query().Get("X-Amz-Algorithm") != "":
			err = s.verifyPresigned(r)
		default:
			err = api.ErrAccessDenied
		}
		if err != nil {
			log.Debug().Str("code", err.Code).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request rejected")
			api.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// signed is what a client claims about its signature.
type signed struct {
	scope         scope
	signedHeaders string
	signature     string
	amzDate       string
	payloadHash   string
}

// scope is the credential scope ACCESS_KEY/DATE/REGION/SERVICE/aws4_request.
type scope struct {
	accessKey string
	date      string
	region    string
	service   string
}

func parseScope(credential string) (scope, bool) {
	parts := strings.Split(credential, "/")
	if len(parts) != 5 || parts[4] != "aws4_request" {
		return scope{}, false
	}
	return scope{accessKey: parts[0], date: parts[1], region: parts[2], service: parts[3]}, true
}

func (sc scope) String() string {
	return sc.date + "/" + sc.region + "/" + sc.service + "/aws4_request"
}

func (s *SigV4) verifyHeader(r *http.Request) *api.S3Error {
	params, ok := strings.CutPrefix(r.Header.Get("Authorization"), algorithm+" ")
	if !ok {
		return api.ErrAccessDenied
	}

	fields := make(map[string]string, 3)
	for _, kv := range strings.Split(params, ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(kv), "=")
		fields[k] = v
	}
	sc, ok := parseScope(fields["Credential"])
	if !ok || fields["SignedHeaders"] == "" || fields["Signature"] == "" {
		return api.ErrAccessDenied
	}

	req := signed{
		scope:         sc,
		signedHeaders: fields["SignedHeaders"],
		signature:     fields["Signature"],
		amzDate:       r.Header.Get("X-Amz-Date"),
		payloadHash:   r.Header.Get("X-Amz-Content-Sha256"),
	}
	if req.payloadHash == "" {
		req.payloadHash = unsignedPayload
	}

	t, err := time.Parse(amzDateFormat, req.amzDate)
	if err != nil {
		return api.ErrAccessDenied
	}
	if s.now().Sub(t).Abs() > maxSkew {
		return api.ErrRequestTimeTooSkewed
	}
	return s.check(r, r.URL.Query(), req)
}

func (s *SigV4) verifyPresigned(r *http.Request) *api.S3Error {
	query := r.URL.Query()
	if query.Get("X-Amz-Algorithm") != algorithm {
		return api.ErrAccessDenied
	}
	sc, ok := parseScope(query.Get("X-Amz-Credential"))
	if !ok {
		return api.ErrAccessDenied
	}

	req := signed{
		scope:         sc,
		signedHeaders: query.Get("X-Amz-SignedHeaders"),
		signature:     query.Get("X-Amz-Signature"),
		amzDate:       query.Get("X-Amz-Date"),
		payloadHash:   unsignedPayload,
	}
	if req.signedHeaders == "" || req.signature == "" {
		return api.ErrAccessDenied
	}

	t, err := time.Parse(amzDateFormat, req.amzDate)
	if err != nil {
		return api.ErrAccessDenied
	}
	expires := maxPresignAge
	if v := query.Get("X-Amz-Expires"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return api.ErrAccessDenied
		}
		expires = min(time.Duration(secs)*time.Second, maxPresignAge)
	}
	if s.now().After(t.Add(expires)) {
		return api.ErrAccessDenied
	}

	query.Del("X-Amz-Signature")
	return s.check(r, query, req)
}

func (s *SigV4) check(r *http.Request, query url.Values, req signed) *api.S3Error {
	if req.scope.accessKey != s.accessKey {
		return api.ErrInvalidAccessKeyId
	}
	want := s.signature(r, query, req)
	if !hmac.Equal([]byte(want), []byte(req.signature)) {
		return api.ErrSignatureDoesNotMatch
	}
	return nil
}

// signature recomputes the request signature the way the client must have.
func (s *SigV4) signature(r *http.Request, query url.Values, req signed) string {
	canonical := strings.Join([]string{
		r.Method,
		canonicalURI(r.URL.Path),
		canonicalQuery(query),
		canonicalHeaders(r, req.signedHeaders),
		req.signedHeaders,
		req.payloadHash,
	}, "\n")
	digest := sha256.Sum256([]byte(canonical))

	stringToSign := strings.Join([]string{
		algorithm,
		req.amzDate,
		req.scope.String(),
		hex.EncodeToString(digest[:]),
	}, "\n")

	key := []byte("AWS4" + s.secretKey)
	for _, part := range []string{req.scope.date, req.scope.region, req.scope.service, "aws4_request"} {
		key = hmacSHA256(key, part)
	}
	return hex.EncodeToString(hmacSHA256(key, stringToSign))
}

// canonicalQuery sorts parameters by encoded key, then value.
func canonicalQuery(query url.Values) string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(query))
	for k, values := range query {
		for _, v := range values {
			pairs = append(pairs, pair{uriEncode(k), uriEncode(v)})
		}
	}
	slices.SortFunc(pairs, func(a, b pair) int {
		if c := strings.Compare(a.k, b.k); c != 0 {
			return c
		}
		return strings.Compare(a.v, b.v)
	})

	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.k + "=" + p.v
	}
	return strings.Join(out, "&")
}

// canonicalHeaders renders the signed headers as "name:value\n" lines.
func canonicalHeaders(r *http.Request, signedHeaders string) string {
	names := strings.Split(signedHeaders, ";")
	slices.Sort(names)

	var b strings.Builder
	for _, name := range names {
		name = strings.ToLower(name)
		value := r.Header.Get(name)
		if name == "host" {
			value = r.Host
		}
		b.WriteString(name + ":" + strings.TrimSpace(value) + "\n")
	}
	return b.String()
}

// canonicalURI encodes each path segment once, keeping the slashes.
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg)
	}
	return strings.Join(segments, "/")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

const upperHex = "0123456789ABCDEF"

// uriEncode percent-encodes every byte outside the RFC 3986 unreserved set.
func uriEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperHex[c>>4])
			b.WriteByte(upperHex[c&0xf])
		}
	}
	return b.String()
}

// Disabled lets every request through.
type Disabled struct{}

// Wrap implements Authenticator.
func (Disabled) Wrap(next http.Handler) http.Handler {
	return next
}

var (
	_ Authenticator = (*SigV4)(nil)
	_ Authenticator = Disabled{}
)
