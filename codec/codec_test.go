package codec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/juniuszhou/substrate-sub003/codec"
)

func TestRuntimeVersionRoundTrip(t *testing.T) {
	v := codec.RuntimeVersion{
		SpecName:         "test-chain",
		ImplName:         "test-impl",
		AuthoringVersion: 1,
		SpecVersion:      7,
		ImplVersion:      3,
		APIs: []codec.APIEntry{
			{ID: [8]byte{'C', 'o', 'r', 'e'}, Version: 1},
			{ID: [8]byte{'M', 'e', 't', 'a'}, Version: 2},
		},
	}
	encoded := codec.EncodeRuntimeVersion(v)
	decoded, err := codec.DecodeRuntimeVersion(encoded)
	require.NoError(t, err)
	require.Equal(t, v, decoded)
}

func TestDecodeRuntimeVersionShortPayloadFails(t *testing.T) {
	_, err := codec.DecodeRuntimeVersion([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestCompatibleRequiresMatchingSpecNameAndVersion(t *testing.T) {
	a := codec.RuntimeVersion{SpecName: "chain", SpecVersion: 1, APIs: []codec.APIEntry{{ID: [8]byte{'C'}, Version: 5}}}
	b := a
	require.True(t, a.Compatible(b))

	diffSpecVersion := a
	diffSpecVersion.SpecVersion = 2
	require.False(t, a.Compatible(diffSpecVersion))

	diffAPI := a
	diffAPI.APIs = []codec.APIEntry{{ID: [8]byte{'C'}, Version: 6}}
	require.False(t, a.Compatible(diffAPI))
}

func TestEnvDefRoundTrip(t *testing.T) {
	entries := []codec.EnvDefEntry{
		{ModuleName: "env", FieldName: "echo", Kind: codec.EntityFunction, Index: 0},
		{ModuleName: "env", FieldName: "memory", Kind: codec.EntityMemory, Index: 1},
	}
	encoded := codec.EncodeEnvDef(entries)
	decoded, err := codec.DecodeEnvDef(encoded)
	require.NoError(t, err)
	require.Equal(t, entries, decoded)
}

func TestDecodeEnvDefRejectsUnknownTag(t *testing.T) {
	entries := []codec.EnvDefEntry{{ModuleName: "env", FieldName: "echo", Kind: codec.EntityFunction, Index: 0}}
	encoded := codec.EncodeEnvDef(entries)
	tagOffset := 4 + 4 + len("env") + 4 + len("echo")
	encoded[tagOffset] = 9 // corrupt the tag byte
	_, err := codec.DecodeEnvDef(encoded)
	require.Error(t, err)
}

func TestValuesRoundTrip(t *testing.T) {
	values := []codec.Value{
		{Type: codec.ValueTypeI32, Bits: 41},
		{Type: codec.ValueTypeI64, Bits: 1 << 40},
	}
	encoded := codec.EncodeValues(values)
	decoded, err := codec.DecodeValues(encoded)
	require.NoError(t, err)
	require.Equal(t, values, decoded)
}

func TestResultRoundTripOkWithValue(t *testing.T) {
	v := codec.Value{Type: codec.ValueTypeI32, Bits: 42}
	r := codec.Result{Ok: true, Value: &v}
	encoded := codec.EncodeResult(r)
	decoded, err := codec.DecodeResult(encoded)
	require.NoError(t, err)
	require.True(t, decoded.Ok)
	require.Equal(t, v, *decoded.Value)
}

func TestResultRoundTripOkUnit(t *testing.T) {
	r := codec.Result{Ok: true}
	encoded := codec.EncodeResult(r)
	decoded, err := codec.DecodeResult(encoded)
	require.NoError(t, err)
	require.True(t, decoded.Ok)
	require.Nil(t, decoded.Value)
}

func TestResultRoundTripErr(t *testing.T) {
	r := codec.Result{Ok: false, Err: codec.HostError(9)}
	encoded := codec.EncodeResult(r)
	decoded, err := codec.DecodeResult(encoded)
	require.NoError(t, err)
	require.False(t, decoded.Ok)
	require.Equal(t, codec.HostError(9), decoded.Err)
}

func TestDecodeResultRejectsUnknownTag(t *testing.T) {
	_, err := codec.DecodeResult([]byte{2})
	require.Error(t, err)
}
