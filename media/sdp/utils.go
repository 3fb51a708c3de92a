// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"fmt"
	"time"

	psdp "github.com/pion/sdp/v3"
)

// SessionName is written in s= line
var SessionName = "Talk"

func NTPTimestamp(now time.Time) uint64 {
	var ntpEpochOffset int64 = 2208988800 // Offset from Unix epoch (January 1, 1970) to NTP epoch (January 1, 1900)
	currentTime := now.Unix() + ntpEpochOffset

	return uint64(currentTime)
}

// Encode is minimal AUDIO SDP offering PCMU/8000 on ip and port.
func Encode(ip string, port int) []byte {
	return EncodeAt(ip, port, time.Now())
}

// EncodeAt is Encode with session id and version taken from now.
func EncodeAt(ip string, port int, now time.Time) []byte {
	ntpTime := NTPTimestamp(now)

	sd := psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      ntpTime,
			SessionVersion: ntpTime,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: psdp.SessionName(SessionName),
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: ip},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "audio",
					Port:    psdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{FORMAT_TYPE_ULAW},
				},
				Attributes: []psdp.Attribute{
					psdp.NewAttribute("rtpmap", RTPMapULaw),
				},
			},
		},
	}

	data, err := sd.Marshal()
	if err != nil {
		// Marshal only fails on writer errors, fallback keeps output stable
		return []byte(fmt.Sprintf("v=0\r\no=- %d %d IN IP4 %s\r\ns=%s\r\nc=IN IP4 %s\r\nt=0 0\r\nm=audio %d RTP/AVP 0\r\na=rtpmap:%s\r\n",
			ntpTime, ntpTime, ip, SessionName, ip, port, RTPMapULaw))
	}
	return data
}

// Validate does strict parsing of body. Decode does not depend on it,
// it is only used to report non conforming remote descriptions.
func Validate(body []byte) error {
	sd := psdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return fmt.Errorf("invalid session description: %w", err)
	}
	return nil
}
