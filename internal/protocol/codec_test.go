package protocol

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/BetaCatPro/wsevent/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  *Frame // 为空时期望与 frame 相同
	}{
		{
			name:  "ping",
			frame: *NewPingFrame(42),
		},
		{
			name: "data_fragment",
			frame: Frame{
				SeqID:   7,
				LogID:   99,
				Service: 42,
				Method:  MethodData,
				Headers: []Header{
					{Key: HeaderType, Value: TypeEvent},
					{Key: HeaderMessageID, Value: "m-1"},
					{Key: HeaderSum, Value: "3"},
					{Key: HeaderSeq, Value: "1"},
				},
				PayloadEncoding: "gzip",
				PayloadType:     "json",
				Payload:         []byte(`{"hello":"world"}`),
				LogIDNew:        "log-new",
			},
		},
		{
			name: "negative_service",
			frame: Frame{
				Service: -1,
				Method:  MethodControl,
				Headers: []Header{{Key: HeaderType, Value: TypePong}},
			},
		},
		{
			name: "duplicate_header_keys_keep_order",
			frame: Frame{
				Method:  MethodData,
				Headers: []Header{{Key: "a", Value: "1"}, {Key: "b", Value: ""}, {Key: "a", Value: "2"}},
				Payload: []byte{0x00, 0xff},
			},
		},
		{
			name:  "empty_slices_decode_as_nil",
			frame: Frame{Service: 42, Method: MethodData, Headers: []Header{}, Payload: []byte{}},
			want:  &Frame{Service: 42, Method: MethodData},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(&tc.frame)
			require.NoError(t, err)

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			want := tc.frame
			if tc.want != nil {
				want = *tc.want
			}
			assert.Equal(t, want, *decoded)
		})
	}
}

func TestEncodeRejectsUnknownMethod(t *testing.T) {
	_, err := Encode(&Frame{Method: 5})
	assert.Error(t, err)

	_, err = Encode(nil)
	assert.Error(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(&Frame{Method: MethodData, Payload: []byte("payload")})
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", valid[:len(valid)-3]},
		{"bad_tag", []byte{0x00}},
		{"missing_method", protowire.AppendVarint(protowire.AppendTag(nil, fieldSeqID, protowire.VarintType), 1)},
		{"unknown_method", protowire.AppendVarint(protowire.AppendTag(nil, fieldMethod, protowire.VarintType), 9)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrProtocolDecode))
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	encoded, err := Encode(&Frame{Method: MethodControl, Headers: []Header{{Key: HeaderType, Value: TypePong}}})
	require.NoError(t, err)

	encoded = protowire.AppendTag(encoded, 15, protowire.BytesType)
	encoded = protowire.AppendString(encoded, "future")

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, TypePong, decoded.Type())
}

func TestFrameHeaders(t *testing.T) {
	f := &Frame{Method: MethodData}
	f.SetHeader(HeaderSum, "2")
	f.SetHeader(HeaderSum, "3")
	assert.Len(t, f.Headers, 1)

	sum, err := f.HeaderInt(HeaderSum, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, sum)

	seq, err := f.HeaderInt(HeaderSeq, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, seq)

	f.SetHeader(HeaderSeq, "x")
	_, err = f.HeaderInt(HeaderSeq, 0)
	assert.Error(t, err)
}

func TestNewResponseFrame(t *testing.T) {
	req := &Frame{
		Service: 42,
		Method:  MethodData,
		Headers: []Header{{Key: HeaderType, Value: TypeEvent}, {Key: HeaderMessageID, Value: "m-1"}},
		Payload: []byte("request"),
	}

	resp := NewResponseFrame(req, []byte(`{"code":200}`), 1500*time.Millisecond)
	bizRT, ok := resp.Header(HeaderBizRT)
	assert.True(t, ok)
	assert.Equal(t, "1500", bizRT)
	assert.Equal(t, []byte(`{"code":200}`), resp.Payload)

	_, ok = req.Header(HeaderBizRT)
	assert.False(t, ok, "request headers must not be mutated")
	assert.Equal(t, []byte("request"), req.Payload)
}

func TestJSONCodec(t *testing.T) {
	data, err := JSON.Encode(map[string]int{"code": 200})
	require.NoError(t, err)

	var out map[string]int
	require.NoError(t, JSON.Decode(data, &out))
	assert.Equal(t, 200, out["code"])

	assert.Error(t, JSON.Decode(nil, &out))
}
