package models

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer  SignalType = "offer"
	SignalTypeAnswer SignalType = "answer"
	SignalTypeICE    SignalType = "ice"
)

// Message is a decoded signaling message. Type selects which fields are
// meaningful: SDP and VideoSource for offers and answers, Candidate for ICE.
type Message struct {
	Type        SignalType
	From        string
	To          string
	SDP         string
	VideoSource string
	Candidate   *IceCandidate
}

// IceCandidate is a remote network path descriptor in its JSON wire form.
type IceCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex int     `json:"sdpMLineIndex"`
	SDPMid        *string `json:"sdpMid"`
}

// NewOffer builds an offer message from -> to.
func NewOffer(from, to, sdp, videoSource string) Message {
	return Message{Type: SignalTypeOffer, From: from, To: to, SDP: sdp, VideoSource: videoSource}
}

// NewAnswer builds an answer message from -> to.
func NewAnswer(from, to, sdp, videoSource string) Message {
	return Message{Type: SignalTypeAnswer, From: from, To: to, SDP: sdp, VideoSource: videoSource}
}

// NewIceCandidate builds an ICE candidate message from -> to.
func NewIceCandidate(from, to string, candidate IceCandidate) Message {
	return Message{Type: SignalTypeICE, From: from, To: to, Candidate: &candidate}
}
