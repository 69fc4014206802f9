package portforward

import (
	"testing"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	data, err := DataFrame(2, []byte("Test data")).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x09}, data[:HeaderSize])

	var dec Decoder
	dec.Write(data)
	f, ok := dec.Next()
	require.True(t, ok)
	assert.Equal(t, byte(2), f.StreamID)
	assert.Equal(t, FlagData, f.Flags)
	assert.Equal(t, []byte("Test data"), f.Payload)

	fin, err := FinFrame(0).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00}, fin)

	dec.Write(fin)
	f, ok = dec.Next()
	require.True(t, ok)
	assert.Equal(t, Frame{StreamID: 0, Flags: FlagFin}, f)
	assert.Equal(t, 0, dec.Buffered())
}

func TestInitFrameAndDescriptors(t *testing.T) {
	assert.Equal(t, []byte{0x80, 0x01}, InitFrame())

	desc := EncodePortDescriptor(8080, 80)
	assert.Equal(t, []byte{0x1f, 0x90, 0x00, 0x50}, desc)

	m, err := DecodePortDescriptor(desc)
	require.NoError(t, err)
	assert.Equal(t, PortMapping{Local: 8080, Remote: 80}, m)

	_, err = DecodePortDescriptor([]byte{0x00})
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestStreamNumbering(t *testing.T) {
	assert.Equal(t, byte(0), DataStreamID(0))
	assert.Equal(t, byte(1), ErrorStreamID(0))
	assert.Equal(t, byte(2), DataStreamID(1))
	assert.Equal(t, byte(3), ErrorStreamID(1))
	assert.Equal(t, byte(254), DataStreamID(MaxPorts-1))
	assert.Equal(t, byte(255), ErrorStreamID(MaxPorts-1))

	index, isError := StreamPort(3)
	assert.Equal(t, 1, index)
	assert.True(t, isError)
	index, isError = StreamPort(4)
	assert.Equal(t, 2, index)
	assert.False(t, isError)
}

func TestDecoderReassembly(t *testing.T) {
	a, err := DataFrame(0, []byte("hello")).Encode()
	require.NoError(t, err)
	b, err := DataFrame(2, []byte("world")).Encode()
	require.NoError(t, err)
	c, err := FinFrame(0).Encode()
	require.NoError(t, err)
	wire := append(append(append([]byte{}, a...), b...), c...)

	// Feed the stream in awkward pieces: frames span and share writes
	var dec Decoder
	var got []Frame
	for _, piece := range [][]byte{wire[:3], wire[3:7], wire[7:14], wire[14:]} {
		dec.Write(piece)
		for {
			f, ok := dec.Next()
			if !ok {
				break
			}
			got = append(got, f)
		}
	}

	assert.Equal(t, []Frame{
		{StreamID: 0, Flags: FlagData, Payload: []byte("hello")},
		{StreamID: 2, Flags: FlagData, Payload: []byte("world")},
		{StreamID: 0, Flags: FlagFin},
	}, got)
	assert.Equal(t, 0, dec.Buffered())
}

func TestFrameValidation(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		valid bool
	}{
		{"data", DataFrame(0, []byte("x")), true},
		{"empty data", DataFrame(0, nil), true},
		{"fin", FinFrame(4), true},
		{"fin with payload", Frame{StreamID: 0, Flags: FlagFin, Payload: []byte("x")}, false},
		{"unknown flags", Frame{StreamID: 0, Flags: 0x04}, false},
		{"oversized", DataFrame(0, make([]byte, MaxPayload+1)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, types.ErrProtocol)
			_, err = tt.frame.Encode()
			assert.Error(t, err)
		})
	}
}
