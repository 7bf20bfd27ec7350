package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	request := AcquireRequest{
		Tool:            "cl",
		ArgsHash:        "a1b2c3d4",
		RequestedTokens: 4,
		TimeoutMS:       60000,
		SourceFile:      `C:\src\big_template.cpp`,
	}
	require.NoError(t, Encode(&buf, TypeAcquire, request))
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))

	env, err := Decode(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, TypeAcquire, env.Type)

	var decoded AcquireRequest
	require.NoError(t, DecodeData(env, &decoded))
	assert.Equal(t, request, decoded)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	line := `{"type":"acquire","data":{"tool":"link","requestedTokens":2,"futureKnob":true},"futureEnvelopeField":1}` + "\n"
	env, err := Decode(bufio.NewReader(strings.NewReader(line)))
	require.NoError(t, err)

	var decoded AcquireRequest
	require.NoError(t, DecodeData(env, &decoded))
	assert.Equal(t, "link", decoded.Tool)
	assert.Equal(t, 2, decoded.RequestedTokens)
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode(bufio.NewReader(strings.NewReader(`{"data":{}}` + "\n")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing type")
}

func TestDecodeRejectsNonJSON(t *testing.T) {
	_, err := Decode(bufio.NewReader(strings.NewReader("not json at all\n")))
	require.Error(t, err)
}

func TestDecodeHandlesUnterminatedFinalLine(t *testing.T) {
	env, err := Decode(bufio.NewReader(strings.NewReader(`{"type":"status"}`)))
	require.NoError(t, err)
	assert.Equal(t, TypeStatus, env.Type)
}

func TestSemanticReserialization(t *testing.T) {
	response := ReleaseResponse{
		Acknowledged:    true,
		Classification:  "LikelyOOM",
		Message:         "out of commit",
		ShouldRetry:     true,
		RetryWithTokens: 2,
	}

	var first bytes.Buffer
	require.NoError(t, Encode(&first, TypeReleaseResponse, response))
	firstLine := first.String()

	env, err := Decode(bufio.NewReader(&first))
	require.NoError(t, err)
	var decoded ReleaseResponse
	require.NoError(t, DecodeData(env, &decoded))

	var second bytes.Buffer
	require.NoError(t, Encode(&second, TypeReleaseResponse, decoded))
	assert.Equal(t, firstLine, second.String())
}

func TestEncodeErrorShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeError(&buf, "unrecognized message type"))

	var reply ErrorReply
	require.NoError(t, json.Unmarshal(buf.Bytes(), &reply))
	assert.Equal(t, "unrecognized message type", reply.Error)
}

func TestDecodeDataToleratesEmptyPayload(t *testing.T) {
	var decoded StatusRequest
	require.NoError(t, DecodeData(Envelope{Type: TypeStatus}, &decoded))
}
