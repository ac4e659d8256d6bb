package behavior

import (
	"context"
	"crypto/sha256"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/brokerportal/sessionguard/internal/util"
)

// maxFingerprintLen bounds the encoded fingerprint sent to the platform.
const maxFingerprintLen = 256

// Fingerprint describes the client environment. Probe fields hold opaque
// digests whose values differ between environments.
type Fingerprint struct {
	UserAgent string
	Language  string
	Platform  string
	Screen    string
	Timezone  string
	Canvas    string
	WebGL     string
	Audio     string
	Fonts     string
}

// Encode joins every field, base64-encodes the result and truncates it to
// 256 characters.
func (f Fingerprint) Encode() string {
	joined := strings.Join([]string{
		f.UserAgent, f.Language, f.Platform, f.Screen, f.Timezone,
		f.Canvas, f.WebGL, f.Audio, f.Fonts,
	}, "|")
	enc := util.Base64Encode([]byte(joined))
	if len(enc) > maxFingerprintLen {
		enc = enc[:maxFingerprintLen]
	}
	return enc
}

// Simplified returns "userAgent|language|platform|timezone".
func (f Fingerprint) Simplified() string {
	return strings.Join([]string{f.UserAgent, f.Language, f.Platform, f.Timezone}, "|")
}

// FingerprintSource captures the current client fingerprint.
type FingerprintSource interface {
	Fingerprint(ctx context.Context) (Fingerprint, error)
}

// HostFingerprint fingerprints the process's host. The probe slots are
// filled with digests of host properties standing in for the canvas,
// WebGL, audio and font probes of a browser.
type HostFingerprint struct {
	UserAgent string
	Screen    string
}

var _ FingerprintSource = HostFingerprint{}

func (h HostFingerprint) Fingerprint(context.Context) (Fingerprint, error) {
	hostname, _ := os.Hostname()
	lang := os.Getenv("LANG")
	if lang == "" {
		lang = "en-US"
	}
	screen := h.Screen
	if screen == "" {
		screen = "0x0"
	}
	zone, offset := time.Now().Zone()
	return Fingerprint{
		UserAgent: h.UserAgent,
		Language:  lang,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Screen:    screen,
		Timezone:  zone + strconv.Itoa(offset),
		Canvas:    probe("canvas", hostname),
		WebGL:     probe("webgl", runtime.Version(), strconv.Itoa(runtime.NumCPU())),
		Audio:     probe("audio", os.Getenv("TZ")),
		Fonts:     probe("fonts", os.Getenv("HOME")),
	}, nil
}

func probe(kind string, parts ...string) string {
	sum := sha256.Sum256([]byte(kind + ":" + strings.Join(parts, ":")))
	return util.HexEncode(sum[:8])
}
