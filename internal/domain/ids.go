// Package domain holds the call model: ids, participants, tiles, devices
// and the error kinds shared by every layer.
package domain

import "strings"

type (
	ChannelID  string
	AttendeeID string
	TileID     int
)

// ContentSuffix marks the attendee id of a screen-share stream ("base#content").
const ContentSuffix = "#content"

// placeholderNameLen bounds the display name synthesized for attendees
// that are only known from a tile event.
const placeholderNameLen = 8

// Normalize strips the content suffix so that camera and screen-share
// streams of one attendee resolve to the same participant.
func (id AttendeeID) Normalize() AttendeeID {
	s := string(id)
	if i := strings.Index(s, "#"); i >= 0 {
		return AttendeeID(s[:i])
	}
	return id
}

func (id AttendeeID) IsContent() bool {
	return strings.HasSuffix(string(id), ContentSuffix)
}

// Content returns the composite attendee id used by screen-share tiles.
func (id AttendeeID) Content() AttendeeID {
	return AttendeeID(string(id.Normalize()) + ContentSuffix)
}

// ShortName is used as a display name until the roster names the attendee.
func (id AttendeeID) ShortName() string {
	r := []rune(string(id.Normalize()))
	if len(r) > placeholderNameLen {
		return string(r[:placeholderNameLen])
	}
	return string(r)
}
