// Package native adapts a libwebrtc C shim, loaded at runtime with purego,
// to the engine boundary. It carries libwebrtc's full codec and capture
// stack, which the pure Go engine does not have; in exchange it needs the
// shim shared library present on the host.
//
// The library is resolved from RTCSHIM_PATH, then from lib/{os}_{arch}/
// relative to the working directory, then from the system search path.
package native

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/purego"
)

var (
	// ErrNotLoaded is returned when the shim library has not been loaded.
	ErrNotLoaded = errors.New("native: rtcshim library not loaded")

	errInvalidParam = errors.New("native: invalid parameter")
	errInitFailed   = errors.New("native: initialization failed")
	errNotSupported = errors.New("native: not supported")
	errNotFound     = errors.New("native: not found")
)

// Shim error codes, int32 to match C int.
const (
	shimOK              int32 = 0
	shimErrInvalidParam int32 = -1
	shimErrInitFailed   int32 = -2
	shimErrNotSupported int32 = -3
	shimErrNotFound     int32 = -4
)

func shimError(code int32) error {
	switch code {
	case shimOK:
		return nil
	case shimErrInvalidParam:
		return errInvalidParam
	case shimErrInitFailed:
		return errInitFailed
	case shimErrNotSupported:
		return errNotSupported
	case shimErrNotFound:
		return errNotFound
	default:
		return fmt.Errorf("native: shim error %d", code)
	}
}

const libName = "librtcshim"

var (
	libHandle uintptr
	libLoaded atomic.Bool
	libMu     sync.Mutex
)

// Shim entry points, bound by registerFunctions.
var (
	shimCreatePeerConnection  func(configJSON string) uintptr
	shimPeerConnectionClose   func(pc uintptr) int32
	shimCreateOffer           func(pc uintptr) int32
	shimCreateAnswer          func(pc uintptr) int32
	shimSetRemoteDescription  func(pc uintptr, typ int32, sdp string, seq uint64) int32
	shimAddICECandidate       func(pc uintptr, candidate, sdpMid string, mlineIndex int32) int32
	shimAddTransceiver        func(pc uintptr, kind, direction int32, name, streamIDs string) uintptr
	shimTransceiverDirection  func(tr uintptr, direction int32) int32
	shimTransceiverSetTrack   func(tr, track uintptr) int32
	shimTransceiverMid        func(tr uintptr, buf uintptr, bufLen int32) int32
	shimCreateDataChannel     func(pc uintptr, id int32, label string, ordered, reliable int32) uintptr
	shimDataChannelID         func(dc uintptr) int32
	shimDataChannelState      func(dc uintptr) int32
	shimDataChannelSend       func(dc uintptr, data uintptr, size int32) int32
	shimDataChannelBuffered   func(dc uintptr) uint64
	shimDataChannelClose      func(dc uintptr) int32
	shimCreateVideoSource     func(pc uintptr, deviceID string, width, height int32, fps float64) uintptr
	shimCreateAudioSource     func(pc uintptr, deviceID string, sampleRate, channels int32) uintptr
	shimSourceClose           func(src uintptr) int32
	shimCreateLocalTrack      func(pc uintptr, kind int32, name string, src uintptr) uintptr
	shimTrackPushVideo        func(track uintptr, y, u, v uintptr, yStride, uStride, vStride, width, height int32, timestampUs int64) int32
	shimTrackPushAudio        func(track uintptr, samples uintptr, sampleCount, sampleRate, channels int32, timestampUs int64) int32
	shimTrackSetSink          func(track uintptr, ctx uintptr, videoCB, audioCB uintptr) int32
	shimTrackClose            func(track uintptr) int32
	shimGetStats              func(pc uintptr, out uintptr) int32
	shimSetEventCallbacks     func(pc uintptr, ctx uintptr, cb uintptr) int32
	shimSetCompletionCallback func(cb uintptr) int32
)

// Load resolves and loads the shim library. Safe to call more than once.
func Load() error {
	libMu.Lock()
	defer libMu.Unlock()

	if libLoaded.Load() {
		return nil
	}

	path, err := resolveLibrary()
	if err != nil {
		return err
	}
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return fmt.Errorf("native: load %s: %w", path, err)
	}

	libHandle = handle
	if err := registerFunctions(handle); err != nil {
		_ = purego.Dlclose(handle)
		return err
	}
	initCallbacks()

	libLoaded.Store(true)
	return nil
}

// Loaded reports whether the shim library is available.
func Loaded() bool {
	return libLoaded.Load()
}

func resolveLibrary() (string, error) {
	if p := os.Getenv("RTCSHIM_PATH"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("native: RTCSHIM_PATH: %w", err)
		}
		return p, nil
	}

	name := libName + libSuffix()
	local := filepath.Join("lib", runtime.GOOS+"_"+runtime.GOARCH, name)
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	// Fall back to the system search path.
	return name, nil
}

func libSuffix() string {
	switch runtime.GOOS {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

func registerFunctions(handle uintptr) error {
	bindings := []struct {
		fptr any
		name string
	}{
		{&shimCreatePeerConnection, "rtc_peerconnection_create"},
		{&shimPeerConnectionClose, "rtc_peerconnection_close"},
		{&shimCreateOffer, "rtc_peerconnection_create_offer"},
		{&shimCreateAnswer, "rtc_peerconnection_create_answer"},
		{&shimSetRemoteDescription, "rtc_peerconnection_set_remote_description"},
		{&shimAddICECandidate, "rtc_peerconnection_add_ice_candidate"},
		{&shimAddTransceiver, "rtc_peerconnection_add_transceiver"},
		{&shimTransceiverDirection, "rtc_transceiver_set_direction"},
		{&shimTransceiverSetTrack, "rtc_transceiver_set_track"},
		{&shimTransceiverMid, "rtc_transceiver_mid"},
		{&shimCreateDataChannel, "rtc_peerconnection_create_data_channel"},
		{&shimDataChannelID, "rtc_datachannel_id"},
		{&shimDataChannelState, "rtc_datachannel_state"},
		{&shimDataChannelSend, "rtc_datachannel_send"},
		{&shimDataChannelBuffered, "rtc_datachannel_buffered_amount"},
		{&shimDataChannelClose, "rtc_datachannel_close"},
		{&shimCreateVideoSource, "rtc_video_source_create"},
		{&shimCreateAudioSource, "rtc_audio_source_create"},
		{&shimSourceClose, "rtc_source_close"},
		{&shimCreateLocalTrack, "rtc_local_track_create"},
		{&shimTrackPushVideo, "rtc_track_push_video"},
		{&shimTrackPushAudio, "rtc_track_push_audio"},
		{&shimTrackSetSink, "rtc_track_set_sink"},
		{&shimTrackClose, "rtc_track_close"},
		{&shimGetStats, "rtc_peerconnection_get_stats"},
		{&shimSetEventCallbacks, "rtc_peerconnection_set_event_callback"},
		{&shimSetCompletionCallback, "rtc_set_completion_callback"},
	}
	for _, b := range bindings {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("native: bind %s: %v", b.name, r)
				}
			}()
			purego.RegisterLibFunc(b.fptr, handle, b.name)
		}()
		if err != nil {
			return err
		}
	}
	return nil
}
