// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sdp

import (
	"bufio"
	"bytes"
	"net"
	"strconv"
	"strings"
)

const (
	FORMAT_TYPE_ULAW = "0"

	// RTPMapULaw binds payload type 0 to PCMU. It is the only codec we offer.
	RTPMapULaw = "0 PCMU/8000"
)

// Descriptor is the audio endpoint carried in a session description.
// Empty IP and zero Port mean the value was not found.
type Descriptor struct {
	IP   string
	Port int
}

// Valid reports whether both ip and port were found.
func (d Descriptor) Valid() bool {
	return d.IP != "" && d.Port > 0
}

// UDPAddr resolves descriptor into udp address. It returns nil for invalid descriptor
func (d Descriptor) UDPAddr() *net.UDPAddr {
	if !d.Valid() {
		return nil
	}
	ip := net.ParseIP(d.IP)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: d.Port}
}

func (d Descriptor) String() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

// Decode extracts remote audio endpoint from SDP body.
// IP is third token of first c= line with IP4 address type.
// Port is second token of first m=audio line having numeric port.
// It never fails, missing or malformed values are left empty.
func Decode(body []byte) Descriptor {
	d := Descriptor{}
	ipFound, portFound := false, false

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		// Be tolerant for CRLF
		line := strings.TrimSpace(scanner.Text())

		switch {
		case !ipFound && strings.HasPrefix(line, "c=") && strings.Contains(line, "IP4"):
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				d.IP = fields[2]
				ipFound = true
			}

		case !portFound && strings.HasPrefix(line, "m=audio"):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			// Malformed port is skipped, next audio line may still carry one
			if port, err := strconv.Atoi(fields[1]); err == nil {
				d.Port = port
				portFound = true
			}
		}

		if ipFound && portFound {
			break
		}
	}
	return d
}
