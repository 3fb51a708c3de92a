// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

var errBadCredentials = errors.New("bad credentials")

// digestChallenger plays registrar or proxy side of digest auth in tests.
// First request without credentials gets challenge, request answering
// known nonce is verified against user and password.
type digestChallenger struct {
	realm    string
	user     string
	password string
	// proxy challenges with 407 and Proxy- headers
	proxy bool

	mu     sync.Mutex
	nonces map[string]*digest.Challenge
}

func newDigestChallenger(realm, user, password string) *digestChallenger {
	return &digestChallenger{
		realm:    realm,
		user:     user,
		password: password,
		nonces:   make(map[string]*digest.Challenge),
	}
}

func (c *digestChallenger) headers() (chal string, cred string, code int) {
	if c.proxy {
		return "Proxy-Authenticate", "Proxy-Authorization", sip.StatusProxyAuthRequired
	}
	return "WWW-Authenticate", "Authorization", sip.StatusUnauthorized
}

// authorize returns challenge, 200 for valid credentials, or error response.
func (c *digestChallenger) authorize(req *sip.Request) (*sip.Response, error) {
	chalName, credName, code := c.headers()

	h := req.GetHeader(credName)
	if h == nil {
		b := make([]byte, 16)
		if _, err := rand.Read(b); err != nil {
			return sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Server Error", nil), err
		}
		chal := &digest.Challenge{Realm: c.realm, Nonce: hex.EncodeToString(b), Algorithm: "MD5"}

		c.mu.Lock()
		c.nonces[chal.Nonce] = chal
		c.mu.Unlock()

		res := sip.NewResponseFromRequest(req, code, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader(chalName, chal.String()))
		return res, nil
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil), err
	}

	c.mu.Lock()
	chal, ok := c.nonces[cred.Nonce]
	c.mu.Unlock()
	if !ok {
		return sip.NewResponseFromRequest(req, code, "Unauthorized", nil), ErrDigestAuthNoChallenge
	}

	want, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      cred.URI,
		Username: c.user,
		Password: c.password,
		Count:    cred.Nc,
	})
	if err != nil {
		return sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil), err
	}
	if cred.Username != c.user || cred.Response != want.Response {
		return sip.NewResponseFromRequest(req, sip.StatusForbidden, "Forbidden", nil), errBadCredentials
	}
	return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil), nil
}
