// Package codec translates signaling payloads to and from models.Message.
//
// Decoding accepts two wire shapes. The canonical flat shape carries an
// explicit "type" discriminant:
//
//	{"type": "offer", "clientId": "a", "to": "b", "sdp": "...", "videoSource": "front"}
//	{"type": "ice", "clientId": "a", "candidate": {"candidate": "...", "sdpMLineIndex": 0, "sdpMid": "0"}}
//
// Older producers omit the discriminant and nest the payload under the
// variant key, naming the sender with "from_user":
//
//	{"from_user": {"id": "a"}, "to_user": "b", "offer": {"sdp": "..."}}
//
// When "type" is absent the variant is inferred from key presence in the
// order offer, answer, candidate. Encoding always produces the flat shape.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mossy-p/peer-signaling/internal/models"
)

// ErrMalformed matches every decode failure via errors.Is.
var ErrMalformed = errors.New("malformed signaling payload")

// ErrorKind classifies a decode failure.
type ErrorKind string

// Malformed covers payloads that are not valid signaling messages.
const Malformed ErrorKind = "malformed"

// DecodeError describes why a payload could not be decoded.
type DecodeError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrMalformed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrMalformed, e.Reason)
}

func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

func (e *DecodeError) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	return &DecodeError{Kind: Malformed, Reason: reason, Err: err}
}

var (
	senderKeys    = []string{"clientId", "from", "from_user"}
	recipientKeys = []string{"to", "to_user"}
	identityKeys  = []string{"id", "clientId", "userId"}
)

// Decode parses a raw transport payload into a signaling message.
func Decode(raw []byte) (models.Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.Message{}, malformed("invalid json", err)
	}
	if fields == nil {
		return models.Message{}, malformed("payload is not an object", nil)
	}

	kind, err := messageType(fields)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{Type: kind}
	if msg.From, err = identity(fields, senderKeys); err != nil {
		return models.Message{}, err
	}
	if msg.From == "" {
		return models.Message{}, malformed("missing sender", nil)
	}
	if msg.To, err = identity(fields, recipientKeys); err != nil {
		return models.Message{}, err
	}

	switch kind {
	case models.SignalTypeOffer, models.SignalTypeAnswer:
		err = decodeDescription(fields, string(kind), &msg)
	case models.SignalTypeICE:
		err = decodeCandidate(fields, &msg)
	}
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func messageType(fields map[string]json.RawMessage) (models.SignalType, error) {
	if raw, ok := fields["type"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return "", malformed("type is not a string", err)
		}
		switch name {
		case "offer":
			return models.SignalTypeOffer, nil
		case "answer":
			return models.SignalTypeAnswer, nil
		case "ice", "candidate", "ice-candidate", "ice_candidate", "iceCandidate":
			return models.SignalTypeICE, nil
		default:
			return "", malformed(fmt.Sprintf("unknown type %q", name), nil)
		}
	}

	switch {
	case has(fields, "offer"):
		return models.SignalTypeOffer, nil
	case has(fields, "answer"):
		return models.SignalTypeAnswer, nil
	case has(fields, "candidate"):
		return models.SignalTypeICE, nil
	}
	return "", malformed("cannot infer message type", nil)
}

func has(fields map[string]json.RawMessage, key string) bool {
	raw, ok := fields[key]
	return ok && string(raw) != "null"
}

// identity returns the first present key as a peer id. The value may be a
// plain string or an object carrying one of identityKeys.
func identity(fields map[string]json.RawMessage, keys []string) (string, error) {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok || string(raw) == "null" {
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err == nil {
			return id, nil
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err != nil {
			return "", malformed(key+" is neither a string nor an object", err)
		}
		for _, idKey := range identityKeys {
			if value, ok := nested[idKey]; ok {
				if err := json.Unmarshal(value, &id); err != nil {
					return "", malformed(key+"."+idKey+" is not a string", err)
				}
				return id, nil
			}
		}
		return "", malformed(key+" has no id", nil)
	}
	return "", nil
}

func optionalString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", malformed(key+" is not a string", err)
	}
	return value, nil
}

func decodeDescription(fields map[string]json.RawMessage, key string, msg *models.Message) error {
	sdp, err := optionalString(fields, "sdp")
	if err != nil {
		return err
	}
	videoSource, err := optionalString(fields, "videoSource")
	if err != nil {
		return err
	}

	if nestedRaw, ok := fields[key]; ok && string(nestedRaw) != "null" {
		var nestedSDP string
		if err := json.Unmarshal(nestedRaw, &nestedSDP); err == nil {
			if sdp == "" {
				sdp = nestedSDP
			}
		} else {
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(nestedRaw, &nested); err != nil {
				return malformed(key+" is neither a string nor an object", err)
			}
			if sdp == "" {
				if sdp, err = optionalString(nested, "sdp"); err != nil {
					return err
				}
			}
			if videoSource == "" {
				if videoSource, err = optionalString(nested, "videoSource"); err != nil {
					return err
				}
			}
		}
	}

	if sdp == "" {
		return malformed("missing sdp", nil)
	}
	msg.SDP = sdp
	msg.VideoSource = videoSource
	return nil
}

type candidateWire struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *int    `json:"sdpMLineIndex"`
	SDPMid        *string `json:"sdpMid"`
}

func decodeCandidate(fields map[string]json.RawMessage, msg *models.Message) error {
	raw, ok := fields["candidate"]
	if !ok || string(raw) == "null" {
		return malformed("missing candidate", nil)
	}

	var wire candidateWire
	if err := json.Unmarshal(raw, &wire.Candidate); err != nil {
		if err := json.Unmarshal(raw, &wire); err != nil {
			return malformed("candidate is neither a string nor an object", err)
		}
	}
	if wire.SDPMLineIndex == nil {
		if index, ok := fields["sdpMLineIndex"]; ok && string(index) != "null" {
			if err := json.Unmarshal(index, &wire.SDPMLineIndex); err != nil {
				return malformed("sdpMLineIndex is not an integer", err)
			}
		}
	}
	if wire.SDPMid == nil {
		if mid, ok := fields["sdpMid"]; ok && string(mid) != "null" {
			if err := json.Unmarshal(mid, &wire.SDPMid); err != nil {
				return malformed("sdpMid is not a string", err)
			}
		}
	}
	if wire.Candidate == "" {
		return malformed("missing candidate", nil)
	}

	candidate := models.IceCandidate{Candidate: wire.Candidate, SDPMid: wire.SDPMid}
	if wire.SDPMLineIndex != nil {
		candidate.SDPMLineIndex = *wire.SDPMLineIndex
	}
	msg.Candidate = &candidate
	return nil
}

type descriptionMessage struct {
	Type        models.SignalType `json:"type"`
	ClientID    string            `json:"clientId"`
	To          string            `json:"to,omitempty"`
	SDP         string            `json:"sdp"`
	VideoSource string            `json:"videoSource"`
}

type iceMessage struct {
	Type      models.SignalType   `json:"type"`
	ClientID  string              `json:"clientId"`
	To        string              `json:"to,omitempty"`
	Candidate models.IceCandidate `json:"candidate"`
}

// Encode renders msg in the canonical flat wire shape.
func Encode(msg models.Message) ([]byte, error) {
	switch msg.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer:
		return json.Marshal(descriptionMessage{
			Type:        msg.Type,
			ClientID:    msg.From,
			To:          msg.To,
			SDP:         msg.SDP,
			VideoSource: msg.VideoSource,
		})
	case models.SignalTypeICE:
		if msg.Candidate == nil {
			return nil, fmt.Errorf("encode ice message from %s: no candidate", msg.From)
		}
		return json.Marshal(iceMessage{
			Type:      msg.Type,
			ClientID:  msg.From,
			To:        msg.To,
			Candidate: *msg.Candidate,
		})
	default:
		return nil, fmt.Errorf("encode message: unknown type %q", msg.Type)
	}
}
