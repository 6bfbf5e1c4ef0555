package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Audio payload types offered on every INVITE. Media itself runs outside
// the engine; the offer only advertises where it will be.
var offeredCodecs = []struct {
	pt   int
	name string
}{
	{0, "PCMU/8000"},
	{8, "PCMA/8000"},
	{101, "telephone-event/8000"},
}

// buildOffer renders an SDP offer for the local media endpoint. version
// must increase on every re-INVITE of the same session.
func buildOffer(ip string, port int, sessionID, version int64) []byte {
	pts := make([]string, len(offeredCodecs))
	for i, c := range offeredCodecs {
		pts[i] = strconv.Itoa(c.pt)
	}

	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=phonekit %d %d IN IP4 %s\r\n", sessionID, version, ip)
	b.WriteString("s=phonekit\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", ip)
	b.WriteString("t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP %s\r\n", port, strings.Join(pts, " "))
	for _, c := range offeredCodecs {
		fmt.Fprintf(&b, "a=rtpmap:%d %s\r\n", c.pt, c.name)
	}
	b.WriteString("a=fmtp:101 0-16\r\n")
	b.WriteString("a=ptime:20\r\n")
	b.WriteString("a=sendrecv\r\n")
	return []byte(b.String())
}

// remoteMedia extracts the connection address and audio port from an SDP
// body. ok is false when either is missing.
func remoteMedia(body []byte) (addr string, port int, ok bool) {
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "c="):
			fields := strings.Fields(line[2:])
			// A media-level c= line follows the session one and wins.
			if len(fields) == 3 {
				addr = fields[2]
			}
		case strings.HasPrefix(line, "m=audio "):
			fields := strings.Fields(line[2:])
			if len(fields) >= 2 {
				if p, err := strconv.Atoi(fields[1]); err == nil {
					port = p
				}
			}
		}
	}
	return addr, port, addr != "" && port > 0
}
