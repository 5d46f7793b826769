package hosterr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/juniuszhou/substrate-sub003/hosterr"
)

func TestErrorFormatsWithAndWithoutCause(t *testing.T) {
	plain := hosterr.New(hosterr.KindTrap, "boom")
	require.Equal(t, "trap: boom", plain.Error())

	wrapped := hosterr.Wrap(hosterr.KindWasmi, "loading module", errors.New("bad magic"))
	require.Equal(t, "wasmi: loading module: bad magic", wrapped.Error())
	require.Equal(t, "bad magic", wrapped.Unwrap().Error())
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := hosterr.Wrap(hosterr.KindMethodNotFound, "no such export", nil)
	require.True(t, errors.Is(err, hosterr.Sentinel(hosterr.KindMethodNotFound)))
	require.False(t, errors.Is(err, hosterr.Sentinel(hosterr.KindTrap)))
}

func TestWithCodeCarriesOffendingBytes(t *testing.T) {
	code := []byte{0x00, 0x61, 0x73, 0x6d}
	err := hosterr.WithCode(hosterr.KindInvalidCode, "bad module", code)
	require.Equal(t, code, err.Code)
	require.Equal(t, hosterr.KindInvalidCode, err.Kind)
}
