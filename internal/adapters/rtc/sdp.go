package rtc

import (
	"fmt"
	"strings"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// section is one m-section of a synthesised remote description.
type section struct {
	mid       string
	kind      string
	direction string
	codecs    []core.RtpCodecParameters
	exts      []core.RtpHeaderExtensionParameters
	ssrc      uint32
	cname     string
	stream    string
	track     string
}

// remoteDescription builds the server side SDP from the transport options.
// The server is ice-lite, bundles everything and muxes RTCP.
func remoteDescription(opts core.TransportOptions, setup string, sections []section) (string, error) {
	sd, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return "", err
	}
	mids := make([]string, 0, len(sections))
	for _, s := range sections {
		mids = append(mids, s.mid)
	}
	sd = sd.
		WithPropertyAttribute("ice-lite").
		WithValueAttribute("group", "BUNDLE "+strings.Join(mids, " ")).
		WithValueAttribute("msid-semantic", " WMS *")

	for _, s := range sections {
		md := sdp.NewJSEPMediaDescription(s.kind, []string{})
		for _, c := range s.codecs {
			name, _ := strings.CutPrefix(c.MimeType, s.kind+"/")
			md = md.WithCodec(c.PayloadType, name, c.ClockRate, c.Channels, fmtpLine(c.Parameters))
			for _, fb := range c.RtcpFeedback {
				md = md.WithValueAttribute("rtcp-fb", strings.TrimSpace(fmt.Sprintf("%d %s %s", c.PayloadType, fb.Type, fb.Parameter)))
			}
		}
		for _, e := range s.exts {
			md = md.WithValueAttribute("extmap", fmt.Sprintf("%d %s", e.ID, e.URI))
		}
		md = md.
			WithValueAttribute("mid", s.mid).
			WithPropertyAttribute(s.direction).
			WithPropertyAttribute("rtcp-mux").
			WithPropertyAttribute("rtcp-rsize").
			WithICECredentials(opts.IceParameters.UsernameFragment, opts.IceParameters.Password).
			WithValueAttribute("setup", setup)
		for _, fp := range opts.DtlsParameters.Fingerprints {
			md = md.WithFingerprint(fp.Algorithm, strings.ToUpper(fp.Value))
		}
		for _, c := range opts.IceCandidates {
			md = md.WithCandidate(candidateValue(c))
		}
		md = md.WithPropertyAttribute("end-of-candidates")
		if s.ssrc != 0 {
			md = md.
				WithValueAttribute("msid", s.stream+" "+s.track).
				WithMediaSource(s.ssrc, s.cname, s.stream, s.track)
		}
		sd = sd.WithMedia(md)
	}

	raw, err := sd.Marshal()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func candidateValue(c core.IceCandidate) string {
	v := fmt.Sprintf("%s 1 %s %d %s %d typ %s", c.Foundation, strings.ToLower(c.Protocol), c.Priority, c.IP, c.Port, c.Type)
	if c.TCPType != "" {
		v += " tcptype " + c.TCPType
	}
	return v
}

// offeredMedia lists the m-sections of a local description in order.
type offeredMedia struct {
	mid      string
	kind     string
	inactive bool
}

func parseMedia(desc *webrtc.SessionDescription) ([]offeredMedia, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return nil, fmt.Errorf("rtc: parse local description: %w", err)
	}
	out := make([]offeredMedia, 0, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		mid, _ := md.Attribute("mid")
		_, inactive := md.Attribute("inactive")
		out = append(out, offeredMedia{mid: mid, kind: md.MediaName.Media, inactive: inactive})
	}
	return out, nil
}
