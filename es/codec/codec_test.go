package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type orderPlaced struct {
	OrderID string   `json:"order_id"`
	Items   []string `json:"items"`
	Total   int64    `json:"total"`
}

func TestJSONRoundTrip(t *testing.T) {
	reg := NewRegistry()
	in := orderPlaced{OrderID: "o-1", Items: []string{"a", "b"}, Total: 1299}

	payload, ct, err := Encode(JSON{}, in)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, ct)

	var out orderPlaced
	require.NoError(t, reg.Decode(ct, payload, &out))
	assert.Equal(t, in, out)
}

func TestProtoRoundTrip(t *testing.T) {
	reg := NewRegistry()
	in, err := structpb.NewStruct(map[string]any{"order_id": "o-1", "total": 12.5})
	require.NoError(t, err)

	payload, ct, err := Encode(Proto{}, in)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeProtobuf, ct)

	out := &structpb.Struct{}
	require.NoError(t, reg.Decode(ct, payload, out))
	assert.True(t, proto.Equal(in, out))

	_, _, err = Encode(Proto{}, orderPlaced{})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestRawRoundTrip(t *testing.T) {
	reg := NewRegistry()
	payload, ct, err := Encode(Raw{}, []byte{0, 1, 2, 0xff})
	require.NoError(t, err)

	var out []byte
	require.NoError(t, reg.Decode(ct, payload, &out))
	assert.Equal(t, []byte{0, 1, 2, 0xff}, out)
}

func TestRegistry_UnknownContentType(t *testing.T) {
	reg := NewRegistry()
	var out orderPlaced
	err := reg.Decode("application/avro", []byte("x"), &out)
	assert.ErrorIs(t, err, ErrUnknownContentType)

	err = reg.Decode(ContentTypeJSON, []byte("{not json"), &out)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownContentType)
}
