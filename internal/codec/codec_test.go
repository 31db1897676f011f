package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/peer-signaling/internal/models"
)

func TestDecodeCanonicalShapes(t *testing.T) {
	offer, err := Decode([]byte(`{"type":"offer","clientId":"client1","to":"user123","sdp":"S1","videoSource":"front"}`))
	require.NoError(t, err)
	assert.Equal(t, models.NewOffer("client1", "user123", "S1", "front"), offer)

	answer, err := Decode([]byte(`{"type":"answer","clientId":"client1","sdp":"S2","videoSource":"back"}`))
	require.NoError(t, err)
	assert.Equal(t, models.SignalTypeAnswer, answer.Type)
	assert.Equal(t, "S2", answer.SDP)
	assert.Equal(t, "back", answer.VideoSource)
	assert.Empty(t, answer.To)

	ice, err := Decode([]byte(`{"type":"ice","clientId":"client1","to":"user123",
		"candidate":{"candidate":"C1","sdpMLineIndex":1,"sdpMid":"audio"}}`))
	require.NoError(t, err)
	require.NotNil(t, ice.Candidate)
	assert.Equal(t, "C1", ice.Candidate.Candidate)
	assert.Equal(t, 1, ice.Candidate.SDPMLineIndex)
	require.NotNil(t, ice.Candidate.SDPMid)
	assert.Equal(t, "audio", *ice.Candidate.SDPMid)
}

func TestDecodeNullSDPMid(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"ice","clientId":"a","candidate":{"candidate":"C","sdpMLineIndex":0,"sdpMid":null}}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Candidate.SDPMid)
	assert.Equal(t, 0, msg.Candidate.SDPMLineIndex)
}

func TestDecodeTypeAliases(t *testing.T) {
	for _, name := range []string{"candidate", "ice-candidate", "ice_candidate", "iceCandidate"} {
		msg, err := Decode([]byte(`{"type":"` + name + `","from":"a","candidate":"C"}`))
		require.NoError(t, err, name)
		assert.Equal(t, models.SignalTypeICE, msg.Type, name)
	}
}

func TestDecodeNestedLegacyShape(t *testing.T) {
	offer, err := Decode([]byte(`{"from_user":{"id":"client1"},"to_user":"user123","offer":{"sdp":"S1","type":"offer"},"videoSource":"front"}`))
	require.NoError(t, err)
	assert.Equal(t, models.NewOffer("client1", "user123", "S1", "front"), offer)

	answer, err := Decode([]byte(`{"from_user":"client2","answer":{"sdp":"S2","videoSource":"rear"}}`))
	require.NoError(t, err)
	assert.Equal(t, models.SignalTypeAnswer, answer.Type)
	assert.Equal(t, "client2", answer.From)
	assert.Equal(t, "rear", answer.VideoSource)

	ice, err := Decode([]byte(`{"from_user":{"clientId":"client3"},"candidate":"C9","sdpMLineIndex":2,"sdpMid":"video"}`))
	require.NoError(t, err)
	assert.Equal(t, models.SignalTypeICE, ice.Type)
	assert.Equal(t, "client3", ice.From)
	assert.Equal(t, "C9", ice.Candidate.Candidate)
	assert.Equal(t, 2, ice.Candidate.SDPMLineIndex)
	assert.Equal(t, "video", *ice.Candidate.SDPMid)
}

func TestDecodeInferenceOrder(t *testing.T) {
	// offer wins over candidate when both keys are present
	msg, err := Decode([]byte(`{"from":"a","offer":"S","candidate":"C"}`))
	require.NoError(t, err)
	assert.Equal(t, models.SignalTypeOffer, msg.Type)
	assert.Equal(t, "S", msg.SDP)

	// the discriminant takes precedence over key presence
	msg, err = Decode([]byte(`{"type":"answer","from":"a","offer":{"sdp":"ignored"},"sdp":"S"}`))
	require.NoError(t, err)
	assert.Equal(t, models.SignalTypeAnswer, msg.Type)
	assert.Equal(t, "S", msg.SDP)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":       `{ invalid`,
		"not an object":      `[1,2]`,
		"null":               `null`,
		"unknown type":       `{"type":"bye","clientId":"a"}`,
		"non-string type":    `{"type":7,"clientId":"a"}`,
		"no variant":         `{"clientId":"a"}`,
		"missing sender":     `{"type":"offer","sdp":"S"}`,
		"missing sdp":        `{"type":"offer","clientId":"a"}`,
		"empty nested sdp":   `{"from_user":"a","answer":{}}`,
		"missing candidate":  `{"type":"ice","clientId":"a"}`,
		"empty candidate":    `{"type":"ice","clientId":"a","candidate":{"candidate":""}}`,
		"bad sender object":  `{"type":"offer","from_user":{"name":"a"},"sdp":"S"}`,
		"numeric candidate":  `{"type":"ice","clientId":"a","candidate":5}`,
		"bad mline index":    `{"type":"ice","clientId":"a","candidate":"C","sdpMLineIndex":"zero"}`,
		"numeric sender":     `{"type":"offer","clientId":12,"sdp":"S"}`,
		"numeric videoSrc":   `{"type":"offer","clientId":"a","sdp":"S","videoSource":1}`,
		"null nested offer":  `{"from":"a","offer":null}`,
		"array nested offer": `{"from":"a","offer":[1]}`,
	}
	for name, payload := range cases {
		_, err := Decode([]byte(payload))
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrMalformed), name)

		var decodeErr *DecodeError
		require.True(t, errors.As(err, &decodeErr), name)
		assert.Equal(t, Malformed, decodeErr.Kind, name)
		assert.NotEmpty(t, decodeErr.Reason, name)
	}
}

func TestEncodeCanonicalShape(t *testing.T) {
	raw, err := Encode(models.NewOffer("user123", "client1", "S1", "front"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"offer","clientId":"user123","to":"client1","sdp":"S1","videoSource":"front"}`, string(raw))

	raw, err = Encode(models.NewAnswer("user123", "", "S2", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"answer","clientId":"user123","sdp":"S2","videoSource":""}`, string(raw))

	raw, err = Encode(models.NewIceCandidate("user123", "client1", models.IceCandidate{Candidate: "C1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ice","clientId":"user123","to":"client1",
		"candidate":{"candidate":"C1","sdpMLineIndex":0,"sdpMid":null}}`, string(raw))
}

func TestEncodeRejectsIncompleteMessages(t *testing.T) {
	_, err := Encode(models.Message{Type: models.SignalTypeICE, From: "a"})
	assert.Error(t, err)

	_, err = Encode(models.Message{Type: "bye", From: "a"})
	assert.Error(t, err)
}

func TestEncodedMessagesDecode(t *testing.T) {
	mid := "0"
	original := models.NewIceCandidate("a", "b", models.IceCandidate{Candidate: "C", SDPMLineIndex: 3, SDPMid: &mid})
	raw, err := Encode(original)
	require.NoError(t, err)

	var shape map[string]any
	require.NoError(t, json.Unmarshal(raw, &shape))
	assert.Equal(t, "ice", shape["type"])

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}
