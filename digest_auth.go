// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

var ErrDigestAuthNoChallenge = errors.New("no challenge")

// digestRequest builds new request answering 401/407 challenge.
// Original request is not modified.
func (u *UserAgent) digestRequest(req *sip.Request, res *sip.Response, count int) (*sip.Request, error) {
	chalHeader, credHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		chalHeader, credHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(chalHeader)
	if h == nil {
		return nil, ErrDigestAuthNoChallenge
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing challenge %q: %w", h.Value(), err)
	}

	username, password := u.credentials(chal.Realm)
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
		Count:    count,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	newReq := req.Clone()
	// Clone does not carry body
	newReq.SetBody(req.Body())
	newReq.RemoveHeader("Via")
	newReq.RemoveHeader(credHeader)
	newReq.AppendHeader(sip.NewHeader(credHeader, cred.String()))
	// Headers may be shared with original, so CSeq is replaced not modified
	newReq.RemoveHeader("CSeq")
	newReq.AppendHeader(&sip.CSeqHeader{SeqNo: u.cseq.Add(1), MethodName: req.Method})
	return newReq, nil
}
