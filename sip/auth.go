package sip

import (
	"context"
	"crypto/md5" //nolint:gosec // mandated by RFC 2617 digest authentication
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/header"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/log"
)

// UserCredentials is a username/password pair for one protection realm.
type UserCredentials struct {
	Username string
	Password string
}

// CredentialsProvider looks up credentials by protection realm.
// A miss makes the retry fail closed: no request leaves the stack
// without matching credentials.
type CredentialsProvider interface {
	Credentials(realm string) (UserCredentials, bool)
}

// StaticCredentials is a realm-keyed credentials map.
type StaticCredentials map[string]UserCredentials

// Credentials implements [CredentialsProvider].
func (s StaticCredentials) Credentials(realm string) (UserCredentials, bool) {
	creds, ok := s[realm]
	return creds, ok
}

// DigestAuthRetry answers 401/407 challenges: it computes the RFC 2617
// digest over the challenged request, clones it with the next CSeq and
// resubmits it through the provider as a new client transaction.
//
// The nonce counter increments per retry of the same server nonce.
// There is no retry cap at this layer: a server that keeps challenging
// is retried until the caller stops feeding its responses in.
type DigestAuthRetry struct {
	log   *slog.Logger
	prov  *Provider
	creds CredentialsProvider

	mu        sync.Mutex
	nonceCnts map[string]uint32

	// cnonce generates client nonces, replaceable in tests.
	cnonce func() string
}

// DigestAuthRetryOptions contains options for a digest auth retry.
type DigestAuthRetryOptions struct {
	// Log is the logger that will be used with the retrier.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *DigestAuthRetryOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// NewDigestAuthRetry creates a retrier resubmitting through the
// provider with the credentials source.
func NewDigestAuthRetry(prov *Provider, creds CredentialsProvider, opts *DigestAuthRetryOptions) (*DigestAuthRetry, error) {
	if prov == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid provider"))
	}
	if creds == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid credentials provider"))
	}

	return &DigestAuthRetry{
		log:       opts.log(),
		prov:      prov,
		creds:     creds,
		nonceCnts: make(map[string]uint32),
		cnonce:    func() string { return util.RandStringLC(16) },
	}, nil
}

// Handle inspects a response to the client transaction. For a 401 or
// 407 it builds the authorized retry and sends it; the returned
// transaction is the new one. For any other status it reports false
// and does nothing.
func (a *DigestAuthRetry) Handle(ctx context.Context, tx ClientTransaction, res *Response) (ClientTransaction, bool, error) {
	if tx == nil || tx.Request() == nil || res == nil {
		return nil, false, errtrace.Wrap(NewInvalidArgumentError("invalid transaction or response"))
	}

	var (
		challenge header.Challenge
		proxy     bool
	)
	switch res.Status {
	case StatusUnauthorized:
		challenge = res.Headers.WWWAuthenticate
	case StatusProxyAuthRequired:
		challenge = res.Headers.ProxyAuthenticate
		proxy = true
	default:
		return nil, false, nil
	}

	if challenge.IsZero() || challenge.Nonce == "" {
		return nil, false, errtrace.Wrap(fmt.Errorf("%w: empty challenge", ErrInvalidMessage))
	}

	retry, err := a.authorize(tx.Request(), challenge, proxy)
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}

	a.log.LogAttrs(ctx, slog.LevelDebug,
		"re-send challenged request",
		slog.Any("request", retry),
		slog.String("realm", challenge.Realm),
	)

	newTx, err := a.prov.GetNewClientTransaction(ctx, retry)
	if err != nil {
		return nil, false, errtrace.Wrap(err)
	}
	return newTx, true, nil
}

// authorize clones the request with the next CSeq and a fresh branch
// and attaches the digest credentials for the challenge.
func (a *DigestAuthRetry) authorize(req *Request, challenge header.Challenge, proxy bool) (*Request, error) {
	switch {
	case challenge.Algorithm == "",
		util.EqFold(challenge.Algorithm, "MD5"),
		util.EqFold(challenge.Algorithm, "MD5-sess"):
	default:
		return nil, errtrace.Wrap(fmt.Errorf("%w: %q", ErrAuthSchemeUnsupported, challenge.Algorithm))
	}

	userCreds, ok := a.creds.Credentials(challenge.Realm)
	if !ok {
		return nil, errtrace.Wrap(fmt.Errorf("%w: %q", ErrNoCredentials, challenge.Realm))
	}

	creds := header.Credentials{
		Username:  userCreds.Username,
		Realm:     challenge.Realm,
		Nonce:     challenge.Nonce,
		URI:       req.URI.String(),
		Opaque:    challenge.Opaque,
		Algorithm: challenge.Algorithm,
	}

	switch {
	case challenge.SupportsQOP("auth-int"):
		creds.QOP = "auth-int"
	case challenge.SupportsQOP("auth"):
		creds.QOP = "auth"
	}
	if creds.QOP != "" {
		creds.CNonce = a.cnonce()
		creds.NonceCnt = a.nextNonceCnt(challenge.Realm, challenge.Nonce)
	}

	creds.Response = digestResponse(req, creds, userCreds.Password)

	out := req.Clone()
	out.Headers.CSeq.SeqNum++
	out.Headers.Via[0].Params = out.Headers.Via[0].Params.Set("branch", GenerateBranch())
	if proxy {
		out.Headers.ProxyAuthorization = creds
	} else {
		out.Headers.Authorization = creds
	}
	return out, nil
}

// nextNonceCnt increments the per-nonce counter. A new server nonce
// restarts the count at 1.
func (a *DigestAuthRetry) nextNonceCnt(realm, nonce string) uint32 {
	key := realm + "|" + nonce

	a.mu.Lock()
	defer a.mu.Unlock()
	a.nonceCnts[key]++
	return a.nonceCnts[key]
}

// digestResponse computes the RFC 2617 digest:
// H(H(user:realm:pass) : nonce [:nc:cnonce:qop] : H(method:uri[:H(body)])).
func digestResponse(req *Request, creds header.Credentials, password string) string {
	ha1 := md5Hex(creds.Username + ":" + creds.Realm + ":" + password)
	if util.EqFold(creds.Algorithm, "MD5-sess") {
		ha1 = md5Hex(ha1 + ":" + creds.Nonce + ":" + creds.CNonce)
	}

	ha2 := md5Hex(string(req.Method) + ":" + creds.URI)
	if util.EqFold(creds.QOP, "auth-int") {
		ha2 = md5Hex(string(req.Method) + ":" + creds.URI + ":" + md5Hex(string(req.Body)))
	}

	if creds.QOP != "" {
		return md5Hex(fmt.Sprintf("%s:%s:%08x:%s:%s:%s",
			ha1, creds.Nonce, creds.NonceCnt, creds.CNonce, creds.QOP, ha2))
	}
	return md5Hex(ha1 + ":" + creds.Nonce + ":" + ha2)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // mandated by RFC 2617 digest authentication
	return hex.EncodeToString(sum[:])
}
