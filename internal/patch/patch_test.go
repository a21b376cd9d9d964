package patch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate_UnsafePathRejection(t *testing.T) {
	_, err := Validate(`{"op":"update","file":"../secret","body":"x","status":"in_progress"}`)
	require.NotNil(t, err)
	require.Equal(t, ErrUnsafePath, err.Kind)
}

func TestValidate_CreateNormalizationInputAccepted(t *testing.T) {
	payload, err := Validate(`{"op":"create","file":"a.txt","body":"hello","status":"in_progress"}`)
	require.Nil(t, err)
	require.Equal(t, OpCreate, payload.Op)
	require.Equal(t, "hello", payload.Body)
}

func TestValidate_ChmodModeAllowList(t *testing.T) {
	_, err := Validate(`{"op":"chmod","file":"a.sh","mode":"700","status":"in_progress"}`)
	require.NotNil(t, err)
	require.Equal(t, ErrForbiddenMode, err.Kind)

	payload, err2 := Validate(`{"op":"chmod","file":"a.sh","mode":"0755","status":"in_progress"}`)
	require.Nil(t, err2)
	require.Equal(t, "755", payload.Mode)
}

func TestValidate_RenameRequiresTarget(t *testing.T) {
	_, err := Validate(`{"op":"rename","file":"src.txt","status":"in_progress"}`)
	require.NotNil(t, err)
	require.Equal(t, ErrSchemaViolation, err.Kind)
}

func TestValidate_RenameUnsafeTarget(t *testing.T) {
	_, err := Validate(`{"op":"rename","file":"src.txt","target":"/etc/passwd","status":"in_progress"}`)
	require.NotNil(t, err)
	require.Equal(t, ErrUnsafePath, err.Kind)
}

func TestValidate_MutuallyExclusiveBodyFields(t *testing.T) {
	_, err := Validate(`{"op":"create","file":"a.txt","status":"in_progress"}`)
	require.NotNil(t, err)
	require.Equal(t, ErrMissingContent, err.Kind)

	_, err2 := Validate(`{"op":"create","file":"a.txt","body":"x","body_b64":"eA==","status":"in_progress"}`)
	require.NotNil(t, err2)
	require.Equal(t, ErrMissingContent, err2.Kind)
}

func TestValidate_MalformedEnvelopeMultipleObjects(t *testing.T) {
	_, err := Validate(`{"op":"delete","file":"a.txt","status":"completed"}{"op":"delete","file":"b.txt","status":"completed"}`)
	require.NotNil(t, err)
	require.Equal(t, ErrMalformedEnvelope, err.Kind)
}

func TestValidate_MalformedEnvelopeProse(t *testing.T) {
	_, err := Validate("Sure, here's the patch:\n" + `{"op":"delete","file":"a.txt","status":"completed"}`)
	require.NotNil(t, err)
	require.Equal(t, ErrMalformedEnvelope, err.Kind)
}

func TestValidate_UnknownKeyRejected(t *testing.T) {
	_, err := Validate(`{"op":"delete","file":"a.txt","status":"completed","extra":"nope"}`)
	require.NotNil(t, err)
	require.Equal(t, ErrSchemaViolation, err.Kind)
}

func TestValidate_BadBase64(t *testing.T) {
	_, err := Validate(`{"op":"create","file":"a.bin","body_b64":"not-base64!!","status":"in_progress"}`)
	require.NotNil(t, err)
	require.Equal(t, ErrMissingContent, err.Kind)
}

func TestValidate_RoundTrip(t *testing.T) {
	payload, err := Validate(`{"op":"update","file":"a.txt","body":"x","status":"completed"}`)
	require.Nil(t, err)

	data, marshalErr := Serialize(payload)
	require.NoError(t, marshalErr)

	roundTripped, rtErr := Validate(string(data))
	require.Nil(t, rtErr)
	require.Equal(t, payload, roundTripped)
}

func TestValidate_CodeFenceRejected(t *testing.T) {
	_, err := Validate("```json\n" + `{"op":"delete","file":"a.txt","status":"completed"}` + "\n```")
	require.NotNil(t, err)
	require.Equal(t, ErrMalformedEnvelope, err.Kind)
}

func TestDecodedBody_Base64(t *testing.T) {
	payload, err := Validate(`{"op":"create","file":"a.bin","body_b64":"aGVsbG8=","status":"in_progress"}`)
	require.Nil(t, err)
	body, decErr := payload.DecodedBody()
	require.NoError(t, decErr)
	require.Equal(t, "hello", string(body))
}
