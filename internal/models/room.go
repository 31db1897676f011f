package models

// RoomState is the locally known membership of the signaling room
type RoomState struct {
	Name    string   `json:"name"`
	Joined  bool     `json:"joined"`
	Members []string `json:"members"`
}

// RoomEventKind identifies an out-of-band membership notification
type RoomEventKind string

const (
	RoomEventJoined         RoomEventKind = "joined"
	RoomEventLeft           RoomEventKind = "left"
	RoomEventMembersChanged RoomEventKind = "membersChanged"
)

// RoomEvent is delivered by the transport when the local client joins or
// leaves the room, or when the member set changes. Members is only set for
// RoomEventMembersChanged and holds the complete current set.
type RoomEvent struct {
	Kind    RoomEventKind
	Members []string
}
