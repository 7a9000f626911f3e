package domain

// MediaState is produced by two sources: roster snapshots and tile events.
// See roster.MergeRosterMedia for the per-field precedence.
type MediaState struct {
	Muted         bool `json:"muted"`
	Speaking      bool `json:"speaking"`
	Video         bool `json:"video"`
	ScreenSharing bool `json:"screenSharing"`
}

// Participant is one human endpoint in the call, local or remote.
// A participant without tiles is audio-only.
type Participant struct {
	ID               AttendeeID `json:"id"`
	UnderlyingUserID UserID     `json:"underlyingUserId"`
	DisplayName      string     `json:"displayName"`
	IsLocal          bool       `json:"isLocal"`
	MediaState       MediaState `json:"mediaState"`
	VideoTileID      *TileID    `json:"videoTileId,omitempty"`
	ScreenTileID     *TileID    `json:"screenTileId,omitempty"`
}

// Clone returns a copy that shares no pointers with p.
func (p Participant) Clone() Participant {
	out := p
	if p.VideoTileID != nil {
		v := *p.VideoTileID
		out.VideoTileID = &v
	}
	if p.ScreenTileID != nil {
		v := *p.ScreenTileID
		out.ScreenTileID = &v
	}
	return out
}

// RosterEntry is one attendee as reported by a roster snapshot.
type RosterEntry struct {
	ID               AttendeeID `json:"id"`
	UnderlyingUserID UserID     `json:"underlyingUserId"`
	DisplayName      string     `json:"displayName"`
	MediaState       MediaState `json:"mediaState"`
}

// VideoTile is one bindable camera or screen-share stream.
// For content tiles AttendeeID carries the ContentSuffix.
type VideoTile struct {
	TileID     TileID     `json:"tileId"`
	AttendeeID AttendeeID `json:"attendeeId"`
	IsLocal    bool       `json:"isLocal"`
	IsContent  bool       `json:"isContent"`
	Active     bool       `json:"active"`
}

// Owner is the participant id the tile belongs to.
func (t VideoTile) Owner() AttendeeID {
	return t.AttendeeID.Normalize()
}

// MediaDelta is a per-attendee change of roster-owned media flags.
// Nil fields are left untouched.
type MediaDelta struct {
	AttendeeID AttendeeID `json:"attendeeId"`
	Muted      *bool      `json:"muted,omitempty"`
	Speaking   *bool      `json:"speaking,omitempty"`
}

func TileIDPtr(id TileID) *TileID { return &id }
