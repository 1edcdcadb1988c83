package at_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/atlink/at"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name  string
		build func(e *at.Encoder)
		want  string
	}{
		{
			name:  "Bare command gets AT prefix",
			build: func(e *at.Encoder) { e.Start("+CSQ") },
			want:  "AT+CSQ",
		},
		{
			name:  "Existing AT prefix is kept",
			build: func(e *at.Encoder) { e.Start("ATE0") },
			want:  "ATE0",
		},
		{
			name: "Delimiter only between parameters",
			build: func(e *at.Encoder) {
				e.Start("+URDBLOCK=")
				e.AppendQuoted("log.txt")
				e.AppendInt(128)
				e.AppendInt(-1)
			},
			want: `AT+URDBLOCK="log.txt",128,-1`,
		},
		{
			name: "Quoted string escaping",
			build: func(e *at.Encoder) {
				e.Start("+X=")
				e.AppendQuoted(`say "hi" \o/`)
			},
			want: `AT+X="say \"hi\" \\o/"`,
		},
		{
			name: "Unquoted string and hex",
			build: func(e *at.Encoder) {
				e.Start("+X=")
				e.AppendString("IP")
				e.AppendHex([]byte{0x00, 0xab, 0x1f})
			},
			want: "AT+X=IP,00AB1F",
		},
		{
			name: "Raw bytes bypass delimiter and escaping",
			build: func(e *at.Encoder) {
				e.Start("+X=")
				e.AppendInt(1)
				e.AppendRaw([]byte("\"\r\n"))
			},
			want: "AT+X=1\"\r\n",
		},
		{
			name: "Start resets a previous command",
			build: func(e *at.Encoder) {
				e.Start("+A=")
				e.AppendInt(1)
				e.Start("+B=")
				e.AppendInt(2)
			},
			want: "AT+B=2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := at.NewEncoder(0)
			tt.build(e)
			assert.Equal(t, tt.want, string(e.Bytes()))
		})
	}
}

func TestEncoderLine(t *testing.T) {
	e := at.NewEncoder(';')
	e.Start("+X=")
	e.AppendInt(1)
	e.AppendInt(2)

	line := e.Line(at.CR)
	assert.Equal(t, "AT+X=1;2\r", string(line))
	assert.Equal(t, 2, e.Params())

	e.Reset()
	assert.Equal(t, 0, e.Len())
	assert.Equal(t, "AT+X=1;2\r", string(line), "Line must return a copy")
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"a\"b\\c"`, at.Quote(`a"b\c`))
	assert.Equal(t, `""`, at.Quote(""))
}

// Fields written by the Encoder read back through the Decoder with the
// same delimiter.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	type value struct {
		kind string
		i    int
		s    string
		b    []byte
	}

	sequences := [][]value{
		{{kind: "int", i: 0}},
		{{kind: "int", i: -42}, {kind: "int", i: 2147483647}},
		{{kind: "quoted", s: ""}, {kind: "int", i: 7}},
		{{kind: "quoted", s: `with "quotes", commas and \ slashes`}, {kind: "string", s: "IPV4"}},
		{{kind: "hex", b: []byte{}}, {kind: "hex", b: []byte{0, 1, 0xfe, 0xff}}},
		{{kind: "string", s: "GPRS"}, {kind: "quoted", s: "internet"}, {kind: "hex", b: []byte("AT\r\n")}, {kind: "int", i: 3}},
	}

	for _, delim := range []byte{',', ';'} {
		for n, seq := range sequences {
			e := at.NewEncoder(delim)
			e.Start("+T=")
			for _, v := range seq {
				switch v.kind {
				case "int":
					e.AppendInt(int64(v.i))
				case "string":
					e.AppendString(v.s)
				case "quoted":
					e.AppendQuoted(v.s)
				case "hex":
					e.AppendHex(v.b)
				}
			}

			payload := e.Bytes()[len("AT+T="):]
			d := at.NewDecoder(payload, delim)
			for i, v := range seq {
				switch v.kind {
				case "int":
					got, err := d.ReadInt()
					require.NoError(t, err, "sequence %d field %d", n, i)
					assert.Equal(t, v.i, got)
				case "string":
					got, err := d.ReadString()
					require.NoError(t, err, "sequence %d field %d", n, i)
					assert.Equal(t, v.s, got)
				case "quoted":
					got, err := d.ReadQuoted()
					require.NoError(t, err, "sequence %d field %d", n, i)
					assert.Equal(t, v.s, got)
				case "hex":
					got, err := d.ReadHex()
					require.NoError(t, err, "sequence %d field %d", n, i)
					assert.Equal(t, v.b, got)
				}
			}
			assert.True(t, d.Done(), "sequence %d not fully consumed", n)
		}
	}
}
