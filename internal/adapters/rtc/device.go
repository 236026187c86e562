package rtc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyLoaded   = errors.New("rtc: device already loaded")
	ErrNotLoaded       = errors.New("rtc: device not loaded")
	ErrNoCommonCodecs  = errors.New("rtc: no codec in common with the router")
	ErrTransportClosed = errors.New("rtc: transport closed")
	ErrUnsupportedKind = errors.New("rtc: unsupported media kind")
)

// supported lists the mime types pion can packetize and depacketize.
var supported = map[string]bool{
	strings.ToLower(webrtc.MimeTypeOpus): true,
	strings.ToLower(webrtc.MimeTypePCMU): true,
	strings.ToLower(webrtc.MimeTypePCMA): true,
	strings.ToLower(webrtc.MimeTypeG722): true,
	strings.ToLower(webrtc.MimeTypeVP8):  true,
	strings.ToLower(webrtc.MimeTypeVP9):  true,
	strings.ToLower(webrtc.MimeTypeH264): true,
	strings.ToLower(webrtc.MimeTypeAV1):  true,
}

type Options struct {
	ICEServers []string
}

// Device is a pion media engine loaded with the router capabilities.
type Device struct {
	opts Options

	mu           sync.RWMutex
	loaded       bool
	caps         core.RtpCapabilities
	api          *webrtc.API
	cert         *webrtc.Certificate
	fingerprints []core.DtlsFingerprint
}

var _ core.Device = (*Device)(nil)

func NewDevice(opts Options) *Device {
	return &Device{opts: opts}
}

func codecType(kind domain.MediaKind) (webrtc.RTPCodecType, error) {
	switch kind {
	case domain.KindAudio:
		return webrtc.RTPCodecTypeAudio, nil
	case domain.KindVideo:
		return webrtc.RTPCodecTypeVideo, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
}

// fmtpLine renders codec parameters as an SDP fmtp value with sorted keys.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+paramValue(params[k]))
	}
	return strings.Join(parts, ";")
}

func paramValue(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func toPionFeedback(fb []core.RtcpFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

// Load registers every router codec pion supports, the router header
// extensions and the default interceptors. Local capabilities are the
// registered subset.
func (d *Device) Load(router core.RtpCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return ErrAlreadyLoaded
	}

	me := &webrtc.MediaEngine{}
	var local core.RtpCapabilities
	for _, c := range router.Codecs {
		if !supported[strings.ToLower(c.MimeType)] {
			continue
		}
		typ, err := codecType(c.Kind)
		if err != nil {
			continue
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     c.MimeType,
				ClockRate:    c.ClockRate,
				Channels:     c.Channels,
				SDPFmtpLine:  fmtpLine(c.Parameters),
				RTCPFeedback: toPionFeedback(c.RtcpFeedback),
			},
			PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
		}
		if err := me.RegisterCodec(params, typ); err != nil {
			log.Debug().Err(err).Str("module", "rtc.device").Str("mime", c.MimeType).Msg("codec skipped")
			continue
		}
		local.Codecs = append(local.Codecs, c)
	}
	if len(local.Codecs) == 0 {
		return ErrNoCommonCodecs
	}

	for _, ext := range router.HeaderExtensions {
		kinds := []domain.MediaKind{ext.Kind}
		if ext.Kind == "" {
			kinds = []domain.MediaKind{domain.KindAudio, domain.KindVideo}
		}
		for _, k := range kinds {
			typ, err := codecType(k)
			if err != nil {
				continue
			}
			if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, typ); err != nil {
				log.Debug().Err(err).Str("module", "rtc.device").Str("uri", ext.URI).Msg("header extension skipped")
				continue
			}
			e := ext
			e.Kind = k
			local.HeaderExtensions = append(local.HeaderExtensions, e)
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return fmt.Errorf("rtc: register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	if err := se.SetAnsweringDTLSRole(webrtc.DTLSRoleClient); err != nil {
		return fmt.Errorf("rtc: dtls role: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("rtc: certificate key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return fmt.Errorf("rtc: certificate: %w", err)
	}
	fps, err := cert.GetFingerprints()
	if err != nil {
		return fmt.Errorf("rtc: fingerprints: %w", err)
	}
	for _, fp := range fps {
		d.fingerprints = append(d.fingerprints, core.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}

	d.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	d.cert = cert
	d.caps = local
	d.loaded = true
	log.Info().Str("module", "rtc.device").Int("codecs", len(local.Codecs)).Int("header_extensions", len(local.HeaderExtensions)).Msg("device loaded")
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

func (d *Device) RtpCapabilities() core.RtpCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps
}

func (d *Device) CanProduce(kind domain.MediaKind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.caps.Codecs {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

// codec returns the first loaded codec of kind, or of mime when given.
func (d *Device) codec(kind domain.MediaKind, mime string) (core.RtpCodecCapability, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.caps.Codecs {
		if c.Kind == kind && (mime == "" || strings.EqualFold(c.MimeType, mime)) {
			return c, true
		}
	}
	return core.RtpCodecCapability{}, false
}

func (d *Device) CreateSendTransport(opts core.TransportOptions, h core.TransportHandler) (core.SendTransport, error) {
	if !d.Loaded() {
		return nil, ErrNotLoaded
	}
	c, err := newConnection(d, core.DirectionSend, opts, h)
	if err != nil {
		return nil, err
	}
	return newSendTransport(d, c), nil
}

func (d *Device) CreateRecvTransport(opts core.TransportOptions, h core.TransportHandler) (core.RecvTransport, error) {
	if !d.Loaded() {
		return nil, ErrNotLoaded
	}
	c, err := newConnection(d, core.DirectionRecv, opts, h)
	if err != nil {
		return nil, err
	}
	return newRecvTransport(c), nil
}
