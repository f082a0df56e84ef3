package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"open", Frame{Type: TypeOpen, Payload: []byte("signal")}},
		{"empty ack", Frame{Type: TypeHandshakeAck}},
		{"binary", Frame{Type: TypeMessage, Payload: []byte{0, 1, 2, 255}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := Encode(&tt.frame)
			assert.Len(t, data, HeaderSize+len(tt.frame.Payload))

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Type, got.Type)
			assert.Equal(t, len(tt.frame.Payload), len(got.Payload))
			if len(tt.frame.Payload) > 0 {
				assert.Equal(t, tt.frame.Payload, got.Payload)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{TypeOpen, 0, 0})
	assert.Error(t, err)

	data := Encode(&Frame{Type: TypeOpen, Payload: []byte("abc")})
	_, err = Decode(data[:len(data)-1])
	assert.Error(t, err)
}

func TestStreamFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Type: TypeOpen, Payload: []byte("data")}))
	require.NoError(t, WriteFrame(&buf, &Frame{Type: TypeMessage, Payload: []byte(`{"id":1}`)}))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "data", string(f.Payload))

	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, f.Type)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsHugeLength(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	hdr[0] = TypeMessage
	binary.BigEndian.PutUint32(hdr[1:], MaxPayloadSize+1)
	_, err := ReadFrame(bytes.NewReader(hdr))
	assert.Error(t, err)

	assert.Error(t, WriteFrame(io.Discard, &Frame{Type: TypeMessage, Payload: make([]byte, MaxPayloadSize+1)}))
}
