package comvisu

import (
	"bufio"
	"strings"
	"testing"

	"github.com/KevinKickass/OpenMeasurementCore/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrames(t *testing.T) {
	tests := []struct {
		in   string
		want Frame
	}{
		{"#980F1;", Float(980, 1)},
		{"#833F2.5;", Float(833, 2.5)},
		{"#831SLinearModel(offset=0, gain=2);", Text(831, "LinearModel(offset=0, gain=2)")},
		{"#0F-3;", Float(0, -3)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejectsMalformedFrames(t *testing.T) {
	for _, in := range []string{
		"980F1;",
		"#980X1;",
		"#1000F1;",
		"#980F;",
		"#980Fabc;",
		"#980F1",
		"#1S#2F3;",
		"#1S" + strings.Repeat("a", MaxFrameLen) + ";",
	} {
		_, err := Parse(in)
		var fe *protocol.FramingError
		assert.ErrorAs(t, err, &fe, in)
	}
}

func TestEncodeValidates(t *testing.T) {
	s, err := Float(901, 2).Encode()
	require.NoError(t, err)
	assert.Equal(t, "#901F2;", s)

	s, err = Float(710, 0.25).Encode()
	require.NoError(t, err)
	assert.Equal(t, "#710F0.25;", s)

	_, err = Text(999, "a;b").Encode()
	assert.Error(t, err)
	_, err = Float(1000, 1).Encode()
	assert.Error(t, err)
	_, err = Text(999, strings.Repeat("x", MaxFrameLen)).Encode()
	assert.Error(t, err)

	assert.Equal(t, "a_b_c", Sanitize("a#b;c"))
}

func TestScanFramesSplitsStream(t *testing.T) {
	long := "#1S" + strings.Repeat("x", MaxFrameLen+10) + ";"
	input := "noise #980F1;#833F5;\r\n#999Shello;" + long + "#890F1;"

	sc := bufio.NewScanner(strings.NewReader(input))
	sc.Buffer(make([]byte, 0, 64), 4*MaxFrameLen)
	sc.Split(ScanFrames)

	var tokens []string
	for sc.Scan() {
		tokens = append(tokens, sc.Text())
	}
	require.NoError(t, sc.Err())

	require.GreaterOrEqual(t, len(tokens), 6)
	assert.Equal(t, []string{"noise", "#980F1;", "#833F5;", "#999Shello;"}, tokens[:4])
	assert.Len(t, tokens[4], MaxFrameLen)
	assert.Equal(t, "#890F1;", tokens[len(tokens)-1])

	_, err := Parse(tokens[4])
	assert.Error(t, err)
}
