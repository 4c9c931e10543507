package invoker

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf)
	require.NoError(t, s.WriteObject(&Request{ID: "1", Method: "m", Payload: []byte("p")}))

	raw := buf.Bytes()
	n := binary.BigEndian.Uint32(raw[:4])
	require.Equal(t, int(n)+5, len(raw))
	assert.Equal(t, resetMarker, raw[len(raw)-1])

	var got Request
	require.NoError(t, s.ReadObject(&got))
	assert.Equal(t, Request{ID: "1", Method: "m", Payload: []byte("p")}, got)
}

func TestStreamSequentialObjects(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.WriteObject(&Response{ID: string(rune('a' + i))}))
	}
	require.NoError(t, s.WriteProbe(ProbeByte))

	for i := 0; i < 3; i++ {
		var r Response
		require.NoError(t, s.ReadObject(&r))
		assert.Equal(t, string(rune('a'+i)), r.ID)
	}
	b, err := s.ReadProbe()
	require.NoError(t, err)
	assert.Equal(t, ProbeByte, b)

	var r Response
	assert.ErrorIs(t, s.ReadObject(&r), io.EOF)
}

func TestStreamBadMarker(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf)
	require.NoError(t, s.WriteObject(&Response{ID: "x"}))
	raw := buf.Bytes()
	raw[len(raw)-1] = 0x00

	var r Response
	assert.ErrorIs(t, NewStream(bytes.NewBuffer(raw)).ReadObject(&r), ErrBadMarker)
}

func TestStreamFrameTooLarge(t *testing.T) {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, MaxFrameSize+1)
	var r Response
	assert.ErrorIs(t, NewStream(bytes.NewBuffer(hdr)).ReadObject(&r), ErrFrameTooLarge)
}

func TestStreamResetDropsLargeBuffer(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf)
	require.NoError(t, s.WriteObject(&Response{Payload: make([]byte, 2*keepBuffer)}))
	var r Response
	require.NoError(t, s.ReadObject(&r))
	assert.Len(t, r.Payload, 2*keepBuffer)
	assert.Nil(t, s.buf)

	require.NoError(t, s.WriteObject(&Response{Payload: []byte("small")}))
	require.NoError(t, s.ReadObject(&r))
	assert.NotNil(t, s.buf)
}
