package obd

import (
	"encoding/hex"
	"strings"
)

// Mode/command vocabulary sent to the adapter.
const (
	CmdReset           = "ATZ"
	CmdEchoOff         = "ATE0"
	CmdLinefeedsOff    = "ATL0"
	CmdSpacesOff       = "ATS0"
	CmdHeadersOff      = "ATH0"
	CmdAdaptiveTiming  = "ATAT1"
	CmdAutoProtocol    = "ATSP0"
	CmdDescribeProto   = "ATDP"
	CmdSupportedPIDs   = "0100"
	CmdReadDTCs        = "03" // Confirmed codes
	CmdReadPendingDTCs = "07" // Pending codes
	CmdClearDTCs       = "04"
)

// How a DTC is packed into bytes A and B:
//
//	A7..A6  system letter    00=P 01=C 10=B 11=U
//	A5..A4  second digit     0..3
//	A3..A0  third digit      0..F
//	B       last two digits  00..FF
//
// Example: 01 33 -> 0000 0001 0011 0011 -> P0133
var systemChars = [4]byte{'P', 'C', 'B', 'U'}

const hexDigits = "0123456789ABCDEF"

// DecodeDTC decodes a 2-byte trouble code into its 5-character form.
func DecodeDTC(a, b byte) string {
	code := make([]byte, 5)
	code[0] = systemChars[(a>>6)&0x03]
	code[1] = '0' + (a>>4)&0x03
	code[2] = hexDigits[a&0x0F]
	code[3] = hexDigits[(b>>4)&0x0F]
	code[4] = hexDigits[b&0x0F]
	return string(code)
}

// DecodeDTCs parses mode 03/07 replies into a de-duplicated list of codes,
// preserving first-seen order across all replies.
func DecodeDTCs(responses ...string) []string {
	seen := make(map[string]struct{})
	codes := []string{}

	for _, resp := range responses {
		clean := normalize(resp)
		if clean == "" || strings.Contains(clean, "NODATA") {
			continue
		}
		if strings.HasPrefix(clean, "43") || strings.HasPrefix(clean, "47") {
			clean = clean[2:]
		}

		for i := 0; i+4 <= len(clean); i += 4 {
			group := clean[i : i+4]
			if group == "0000" {
				continue
			}
			raw, err := hex.DecodeString(group)
			if err != nil {
				continue
			}
			code := DecodeDTC(raw[0], raw[1])
			if _, dup := seen[code]; dup {
				continue
			}
			seen[code] = struct{}{}
			codes = append(codes, code)
		}
	}
	return codes
}

// ClearSucceeded reports whether a mode 04 reply indicates the codes were
// cleared. Some adapters answer with nothing but the next prompt, so any
// short reply counts as success.
func ClearSucceeded(resp string) bool {
	return strings.Contains(resp, "OK") || len(resp) <= 4
}
