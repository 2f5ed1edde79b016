package subtitle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatFromPath(t *testing.T) {
	require := require.New(t)

	require.Equal(ASS, FormatFromPath("Show/Show.S01E01.ASS"))
	require.Equal(SSA, FormatFromPath("a.ssa"))
	require.Equal(SRT, FormatFromPath("a.b.srt"))
	require.Equal(VTT, FormatFromPath("a.vtt"))
	require.Equal(SUP, FormatFromPath("a.sup"))
	require.Equal(Unknown, FormatFromPath("a.mkv"))
	require.Equal(Unknown, FormatFromPath("noext"))
}

func TestFormatKind(t *testing.T) {
	require := require.New(t)

	require.Equal(KindText, SRT.Kind())
	require.Equal(KindImage, SUP.Kind())
	require.Equal(KindUnknown, Unknown.Kind())
	require.Equal("unknown", Unknown.String())
	require.Equal("", Unknown.Extension())
	require.Equal(VTT, ParseFormat(" .VTT"))
}
