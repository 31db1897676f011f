package peer

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, videoSource string) *API {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api, err := NewAPI(Config{VideoSource: videoSource}, logger)
	require.NoError(t, err)
	return api
}

func TestOfferAnswerExchange(t *testing.T) {
	caller, err := newTestAPI(t, "front").NewConnection("callee")
	require.NoError(t, err)
	defer caller.Close()

	callee, err := newTestAPI(t, "back").NewConnection("caller")
	require.NoError(t, err)
	defer callee.Close()

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.True(t, strings.Contains(offer.SDP, "m=video"), "offer should carry the local video track")
	require.NoError(t, caller.SetLocalDescription(offer))

	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, callee.SetLocalDescription(answer))

	require.NoError(t, caller.SetRemoteDescription(answer))
}

func TestLocalTrackUsesVideoSource(t *testing.T) {
	conn, err := newTestAPI(t, "front").NewConnection("remote")
	require.NoError(t, err)
	defer conn.Close()

	track := conn.LocalTrack()
	require.NotNil(t, track)
	assert.Equal(t, "front", track.StreamID())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, track.Kind())
}

func TestNoLocalTrackWithoutVideoSource(t *testing.T) {
	conn, err := newTestAPI(t, "").NewConnection("remote")
	require.NoError(t, err)
	defer conn.Close()

	assert.Nil(t, conn.LocalTrack())
}

func TestAnswerWithoutRemoteOfferFails(t *testing.T) {
	conn, err := newTestAPI(t, "front").NewConnection("remote")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.CreateAnswer()
	assert.Error(t, err)
}

func TestLoggerFactoryScopes(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewLoggerFactory(logger).NewLogger("ice").Debugf("gathered %d candidates", 3)
	assert.Contains(t, buf.String(), "scope=ice")
	assert.Contains(t, buf.String(), "gathered 3 candidates")

	buf.Reset()
	NewLoggerFactory(logger).NewLogger("ice").Trace("hidden")
	assert.Empty(t, buf.String())
}
