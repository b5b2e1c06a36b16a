// Package sdputil applies the optional codec preference filter to locally
// generated session descriptions. It narrows each audio/video media section
// to a single preferred codec; everything else about the SDP passes through
// untouched.
package sdputil

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// ForceCodecs rewrites the description so that each audio section offers only
// audioCodec and each video section only videoCodec (by rtpmap encoding name,
// case-insensitive). An empty name leaves that kind unchanged, as does a
// section that does not contain the requested codec. Retransmission payloads
// (rtx) referencing a kept payload are kept too.
//
// On parse failure the original text is returned along with the error, so
// callers can fall back to sending the unfiltered description.
func ForceCodecs(sdpText, audioCodec, videoCodec string) (string, error) {
	if audioCodec == "" && videoCodec == "" {
		return sdpText, nil
	}

	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(sdpText)); err != nil {
		return sdpText, err
	}

	for _, m := range parsed.MediaDescriptions {
		var want string
		switch m.MediaName.Media {
		case "audio":
			want = audioCodec
		case "video":
			want = videoCodec
		}
		if want == "" {
			continue
		}
		filterMedia(m, want)
	}

	out, err := parsed.Marshal()
	if err != nil {
		return sdpText, err
	}
	return string(out), nil
}

func filterMedia(m *sdp.MediaDescription, codecName string) {
	keep := map[string]bool{}
	for _, attr := range m.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, name, ok := parseRTPMap(attr.Value)
		if ok && strings.EqualFold(name, codecName) {
			keep[pt] = true
		}
	}
	if len(keep) == 0 {
		// Preferred codec not offered here; leave the section alone.
		return
	}

	// Keep rtx payloads that repair a kept payload.
	for _, attr := range m.Attributes {
		if attr.Key != "fmtp" {
			continue
		}
		pt, rest, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		if apt, found := strings.CutPrefix(rest, "apt="); found && keep[strings.TrimSpace(apt)] {
			keep[pt] = true
		}
	}

	formats := m.MediaName.Formats[:0]
	for _, f := range m.MediaName.Formats {
		if keep[f] {
			formats = append(formats, f)
		}
	}
	m.MediaName.Formats = formats

	attrs := m.Attributes[:0]
	for _, attr := range m.Attributes {
		switch attr.Key {
		case "rtpmap", "fmtp", "rtcp-fb":
			pt, _, _ := strings.Cut(attr.Value, " ")
			if _, err := strconv.Atoi(pt); err == nil && !keep[pt] {
				continue
			}
		}
		attrs = append(attrs, attr)
	}
	m.Attributes = attrs
}

// parseRTPMap splits an rtpmap attribute value "96 VP8/90000" into payload
// type and encoding name.
func parseRTPMap(v string) (pt, name string, ok bool) {
	pt, rest, ok := strings.Cut(v, " ")
	if !ok {
		return "", "", false
	}
	name, _, _ = strings.Cut(rest, "/")
	return pt, name, name != ""
}
