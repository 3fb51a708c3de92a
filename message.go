// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package softphone

import (
	"github.com/emiago/sipgo/sip"
)

// SendMessage sends MESSAGE with text/plain body. It does not wait for response.
func (u *UserAgent) SendMessage(target string, text string) error {
	if u.closed.Load() {
		return ErrAgentClosed
	}

	uri, err := parseSipURI(target)
	if err != nil {
		return err
	}

	req := u.newRequest(sip.MESSAGE, uri)
	req.AppendHeader(sip.NewHeader("Content-Type", "text/plain"))
	req.SetBody([]byte(text))

	if err := u.send(req); err != nil {
		return err
	}
	u.log.Debug().Str("target", canonicalURI(uri)).Msg("Message sent")
	return nil
}

// newRequest builds out of dialog request with fresh Call-ID and From tag
func (u *UserAgent) newRequest(method sip.RequestMethod, target sip.Uri) *sip.Request {
	target.UriParams = nil
	target.Headers = nil
	req := sip.NewRequest(method, u.identity.route(target))

	from := sip.FromHeader{
		Address: u.identity.URI(),
		Params:  sip.NewParams().Add("tag", u.newTag()),
	}
	to := sip.ToHeader{
		Address: target,
		Params:  sip.NewParams(),
	}
	callID := sip.CallIDHeader(u.newCallID())
	maxFwd := sip.MaxForwardsHeader(70)
	contact := u.contact

	req.AppendHeader(&from)
	req.AppendHeader(&to)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: u.cseq.Add(1), MethodName: method})
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("User-Agent", u.name))
	return req
}
