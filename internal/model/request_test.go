package model

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest_UniqueKeyNormalizesURL(t *testing.T) {
	r1, err := NewRequest("HTTP://Example.com:80/path?b=2&a=1", MethodGET)
	require.NoError(t, err)

	r2, err := NewRequest("http://example.com/path?a=1&b=2#frag", MethodGET)
	require.NoError(t, err)

	assert.Equal(t, r1.UniqueKey, r2.UniqueKey, "default port, case, query order, and fragment must not affect the fingerprint")
}

func TestNewRequest_KeepFragment(t *testing.T) {
	r1, err := NewRequest("http://example.com/path#a", MethodGET, WithUniqueKeyOptions(true, false))
	require.NoError(t, err)
	r2, err := NewRequest("http://example.com/path#b", MethodGET, WithUniqueKeyOptions(true, false))
	require.NoError(t, err)
	assert.NotEqual(t, r1.UniqueKey, r2.UniqueKey)
}

func TestNewRequest_GETWithPayloadRejected(t *testing.T) {
	_, err := NewRequest("http://example.com", MethodGET, WithPayload([]byte("x")))
	assert.Error(t, err)
}

func TestNewRequest_ExtendedUniqueKeyDistinguishesPayload(t *testing.T) {
	r1, err := NewRequest("http://example.com", MethodPOST, WithPayload([]byte("a")), WithUniqueKeyOptions(false, true))
	require.NoError(t, err)
	r2, err := NewRequest("http://example.com", MethodPOST, WithPayload([]byte("b")), WithUniqueKeyOptions(false, true))
	require.NoError(t, err)
	assert.NotEqual(t, r1.UniqueKey, r2.UniqueKey)
}

func TestRequestID_DeterministicAndBounded(t *testing.T) {
	id1 := RequestID("foo")
	id2 := RequestID("foo")
	id3 := RequestID("bar")

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.Len(t, id1, 15)
}

func TestRequest_JSONRoundTrip(t *testing.T) {
	original, err := NewRequest("http://example.com/a", MethodGET,
		WithHeaders(map[string]string{"X-Test": "1"}),
		WithUserData(map[string]any{"label": "detail", "depth": float64(2)}),
	)
	require.NoError(t, err)
	original.RetryCount = 2
	original.ErrorMessages = []string{"boom", "boom again"}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var restored Request
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, original.UniqueKey, restored.UniqueKey)
	assert.Equal(t, original.RetryCount, restored.RetryCount)

	// UserData round-trips through an interface{} map (JSON numbers
	// decode as float64, nested maps as map[string]any), so a structural
	// diff is more informative here than reflect.DeepEqual on failure.
	if diff := cmp.Diff(original.UserData, restored.UserData); diff != "" {
		t.Errorf("UserData round-trip mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(original.ErrorMessages, restored.ErrorMessages); diff != "" {
		t.Errorf("ErrorMessages round-trip mismatch (-want +got):\n%s", diff)
	}
}
