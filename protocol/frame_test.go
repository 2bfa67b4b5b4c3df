package protocol_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremimucha/jamim/protocol"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		typ  protocol.FrameType
		body []byte
	}{
		{"empty body", protocol.Chat, nil},
		{"short chat", protocol.Chat, []byte("hi")},
		{"quit notice", protocol.CmdQuit, []byte(protocol.QuitNotice)},
		{"max body", protocol.Chat, make([]byte, protocol.MaxBodyLength)},
		{"unknown type roundtrips as unknown", protocol.Unknown, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := protocol.Encode(tc.typ, tc.body)
			require.NoError(t, err)

			got, err := protocol.Decode(wire)
			require.NoError(t, err)
			assert.Equal(t, tc.typ, got.Type)
			assert.Equal(t, len(tc.body), len(got.Body))
			assert.ElementsMatch(t, tc.body, got.Body)
		})
	}
}

func TestEncodeRejectsOversizedBody(t *testing.T) {
	_, err := protocol.Encode(protocol.Chat, make([]byte, protocol.MaxBodyLength+1))
	require.Error(t, err)
	require.ErrorIs(t, err, protocol.ErrBodyTooLarge)
}

func TestDecodeHeaderUnknownType(t *testing.T) {
	hdr := [protocol.HeaderLength]byte{99, 0, 5}
	typ, length := protocol.DecodeHeader(hdr)
	assert.Equal(t, protocol.Unknown, typ)
	assert.Equal(t, 5, length)
}

func TestDecodeHeaderLengthIsBigEndian(t *testing.T) {
	hdr := [protocol.HeaderLength]byte{byte(protocol.Chat), 0x01, 0x02}
	_, length := protocol.DecodeHeader(hdr)
	assert.Equal(t, 0x0102, length)
}

func TestLocalOnlyMarkersNeverAppearOnWire(t *testing.T) {
	for _, local := range []protocol.FrameType{protocol.CmdStartFile, protocol.CmdCancel, protocol.CmdCancelAll} {
		hdr := [protocol.HeaderLength]byte{byte(local), 0, 0}
		typ, _ := protocol.DecodeHeader(hdr)
		assert.Equal(t, protocol.Unknown, typ, "%s is a client-local marker, not a wire type", local)
	}
}

func TestFileStartBodyRoundTrip(t *testing.T) {
	body := protocol.FileStartBody(10240, "report.pdf")
	size, name, err := protocol.ParseFileStartBody(body)
	require.NoError(t, err)
	assert.EqualValues(t, 10240, size)
	assert.Equal(t, "report.pdf", name)
}

func TestParseFileStartBodyTooShort(t *testing.T) {
	_, _, err := protocol.ParseFileStartBody([]byte{0, 1})
	require.Error(t, err)
}

func TestFromLine(t *testing.T) {
	cases := []struct {
		line     string
		wantType protocol.FrameType
		wantBody string
	}{
		{"", protocol.Empty, ""},
		{"hello there", protocol.Chat, "hello there"},
		{"-quit", protocol.CmdQuit, protocol.QuitNotice},
		{"-quit ignored argument", protocol.CmdQuit, protocol.QuitNotice},
		{"-send /tmp/report.pdf", protocol.CmdStartFile, "/tmp/report.pdf"},
		{"-cancel", protocol.CmdCancel, ""},
		{"-cancel extra", protocol.CmdCancel, ""},
		{"-cancel-all", protocol.CmdCancelAll, ""},
		{"-wiggle", protocol.Unknown, ""},
		{"--help", protocol.Unknown, ""},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			got := protocol.FromLine(tc.line)
			assert.Equal(t, tc.wantType, got.Type)
			assert.Equal(t, tc.wantBody, string(got.Body))
		})
	}
}

func TestFromLineIsDeterministicByShape(t *testing.T) {
	// Reclassifying the same line twice must produce identical Frames;
	// classification only ever looks at emptiness, the leading '-', and
	// the first space-delimited token after it.
	lines := []string{"", "chat message", "-quit now", "-send a b c", "-bogus"}
	for _, line := range lines {
		first := protocol.FromLine(line)
		second := protocol.FromLine(line)
		assert.Equal(t, first, second)
	}
}

func TestFromLineLeadingDashIsAuthoritative(t *testing.T) {
	// A chat line that happens to contain a dash mid-string is still chat;
	// only a *leading* dash triggers command parsing.
	got := protocol.FromLine("well-known issue")
	assert.Equal(t, protocol.Chat, got.Type)
	assert.True(t, strings.HasPrefix(string(got.Body), "well-known"))
}
