package dsm

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	maxPayload := bytes.Repeat([]byte{0xab}, MaxPayload)
	longID := NodeID(bytes.Repeat([]byte{'n'}, maxNodeID))

	tests := []struct {
		name string
		m    Message
	}{
		{"invalidate", Message{Kind: KindInvalidate, Page: 7, Version: 3, Sender: "n1"}},
		{"fetch request broadcast", Message{Kind: KindFetchRequest, Page: 0, Sender: "n2"}},
		{"fetch request targeted", Message{Kind: KindFetchRequest, Page: 1<<32 - 1, Sender: "n2", Target: "n1"}},
		{"fetch response empty payload", Message{Kind: KindFetchResponse, Page: 3, Version: 1, Sender: "n1", Target: "n2"}},
		{"fetch response max payload", Message{Kind: KindFetchResponse, Page: 3, Version: 1<<64 - 1, Sender: "n1", Target: "n2", Payload: maxPayload}},
		{"longest node ids", Message{Kind: KindInvalidate, Page: 1, Version: 9, Sender: longID, Target: longID}},
		{"no sender", Message{Kind: KindInvalidate, Page: 2, Version: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.m)
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.m, got); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}

			again, err := Encode(got)
			require.NoError(t, err)
			assert.Equal(t, raw, again)
		})
	}
}

func TestMessageLayout(t *testing.T) {
	raw, err := Encode(Message{Kind: KindFetchResponse, Page: 2, Version: 5, Sender: "a", Target: "bc", Payload: []byte{9, 8}})
	require.NoError(t, err)

	want := []byte{byte(KindFetchResponse)}
	want = binary.BigEndian.AppendUint32(want, 2)
	want = binary.BigEndian.AppendUint64(want, 5)
	want = append(want, 1, 'a', 2, 'b', 'c')
	want = binary.BigEndian.AppendUint32(want, 2)
	want = append(want, 9, 8)
	assert.Equal(t, want, raw)
}

func TestMessageConstructors(t *testing.T) {
	assert.Equal(t, Message{Kind: KindInvalidate, Page: 1, Version: 2}, Invalidate(1, 2))
	assert.Equal(t, Message{Kind: KindFetchRequest, Page: 1, Sender: "n"}, FetchRequest(1, "n"))
	assert.Equal(t, Message{Kind: KindFetchResponse, Page: 1, Version: 2, Payload: []byte{1}}, FetchResponse(1, 2, []byte{1}))
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name string
		m    Message
	}{
		{"unknown kind", Message{Kind: 9}},
		{"zero kind", Message{}},
		{"payload on invalidate", Message{Kind: KindInvalidate, Payload: []byte{1}}},
		{"payload on fetch request", Message{Kind: KindFetchRequest, Payload: []byte{1}}},
		{"payload too large", Message{Kind: KindFetchResponse, Payload: make([]byte, MaxPayload+1)}},
		{"node id too long", Message{Kind: KindInvalidate, Sender: NodeID(bytes.Repeat([]byte{'n'}, maxNodeID+1))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.m)
			assert.ErrorIs(t, err, ErrProtocolDecode)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	good, err := Encode(Message{Kind: KindFetchResponse, Page: 1, Version: 1, Sender: "n1", Payload: []byte{1, 2, 3}})
	require.NoError(t, err)

	oversized := []byte{byte(KindFetchResponse), 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0}
	oversized = binary.BigEndian.AppendUint32(oversized, MaxPayload+1)

	payloadOnInvalidate := []byte{byte(KindInvalidate), 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0}
	payloadOnInvalidate = binary.BigEndian.AppendUint32(payloadOnInvalidate, 1)
	payloadOnInvalidate = append(payloadOnInvalidate, 7)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"header only partly", good[:5]},
		{"truncated payload", good[:len(good)-1]},
		{"trailing bytes", append(append([]byte(nil), good...), 0)},
		{"unknown kind", append([]byte{0x7f}, good[1:]...)},
		{"oversized payload length", oversized},
		{"payload on invalidate", payloadOnInvalidate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			assert.ErrorIs(t, err, ErrProtocolDecode)
		})
	}
}

func TestDecodeCopiesPayload(t *testing.T) {
	raw, err := Encode(FetchResponse(0, 1, []byte{1, 2}))
	require.NoError(t, err)
	m, err := Decode(raw)
	require.NoError(t, err)

	raw[len(raw)-1] = 0xff
	assert.Equal(t, []byte{1, 2}, m.Payload)
}
