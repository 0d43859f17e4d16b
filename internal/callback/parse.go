package callback

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxPayload caps the scheduled payload size in bytes.
const MaxPayload = 500

// markerRe matches @@cb:<duration>[<target>]@@ with the target optional.
var markerRe = regexp.MustCompile(`@@cb:([0-9]+(?:\.[0-9]+)?(?:ms|s|m|h))(?:\[([^\]]+)\])?@@`)

// Request is one parsed callback marker.
type Request struct {
	Delay   time.Duration
	Target  string // empty means DM back to the sender
	Payload string
}

// Parse extracts the first callback marker from a message. It returns the
// message with the marker and payload stripped, the request if one was
// found, and an error for a malformed or oversized marker. maxDelay clamps
// the requested duration.
func Parse(content string, maxDelay time.Duration) (string, *Request, error) {
	loc := markerRe.FindStringSubmatchIndex(content)
	if loc == nil {
		return content, nil, nil
	}
	m := markerRe.FindStringSubmatch(content)

	delay, err := time.ParseDuration(m[1])
	if err != nil || delay <= 0 {
		return content, nil, fmt.Errorf("invalid callback duration %q", m[1])
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	payload := content[loc[1]:]
	if len(payload) > MaxPayload {
		return content, nil, fmt.Errorf("callback payload exceeds %d bytes", MaxPayload)
	}
	cleaned := strings.TrimSpace(content[:loc[0]])

	return cleaned, &Request{Delay: delay, Target: m[2], Payload: payload}, nil
}
