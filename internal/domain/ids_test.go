package domain

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestAttendeeIDs(t *testing.T) {
	id := AttendeeID("alice-1234#content")
	require.True(t, id.IsContent())
	require.Equal(t, AttendeeID("alice-1234"), id.Normalize())
	require.Equal(t, id, id.Normalize().Content())
}

func TestShortName(t *testing.T) {
	require.Equal(t, "bob", AttendeeID("bob#content").ShortName())
	require.Equal(t, "abcdefgh", AttendeeID("abcdefghijkl").ShortName())

	name := AttendeeID("ключ-участника").ShortName()
	require.True(t, utf8.ValidString(name))
	require.Equal(t, "ключ-уча", name)
}
