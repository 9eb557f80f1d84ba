package ir

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		// scalars
		{"null", nil, "null"},
		{"string", "src/api.py", `"src/api.py"`},
		{"empty string", IRString(""), `""`},
		{"bool", IRBool(false), "false"},
		{"int", 42, "42"},
		{"int64 bounds", IRArray{IRInt(math.MaxInt64), IRInt(math.MinInt64)}, "[9223372036854775807,-9223372036854775808]"},
		{"uint8", uint8(200), "200"},

		// numbers normalize to their shortest form
		{"integral float", 3.0, "3"},
		{"integral float32", float32(-7), "-7"},
		{"integral IRFloat", IRFloat(2), "2"},
		{"fraction", 3.25, "3.25"},
		{"shortest round trip", 0.1, "0.1"},
		{"negative zero", math.Copysign(0, -1), "0"},
		{"json number int", json.Number("12"), "12"},
		{"json number trailing zero", json.Number("1.50"), "1.5"},

		// bytes are base64 text
		{"bytes", []byte("hi"), `"aGk="`},

		// containers are compact and keys sorted
		{"empty array", IRArray{}, "[]"},
		{"empty object", IRObject{}, "{}"},
		{"mixed slice", []any{1, "two", true, nil}, `[1,"two",true,null]`},
		{"record", map[string]any{
			"RENDERED_FILE_NAME": "src/api.py",
			"PROCESS_TYPE":       "COPY",
			"EXTRAS":             map[string]any{"DEPENDENCIES": []any{"src/config.py"}},
		}, `{"EXTRAS":{"DEPENDENCIES":["src/config.py"]},"PROCESS_TYPE":"COPY","RENDERED_FILE_NAME":"src/api.py"}`},
		{"nulls inside containers", IRObject{"k": IRNull{}, "a": IRArray{IRNull{}}}, `{"a":[null],"k":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonical_IntAndIntegralFloatAgree(t *testing.T) {
	a, err := MarshalCanonical(map[string]any{"n": 1})
	require.NoError(t, err)
	b, err := MarshalCanonical(map[string]any{"n": 1.0})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMarshalCanonical_KeysSortByUTF16(t *testing.T) {
	// U+10000 encodes as the surrogate pair D800 DC00, which sorts before
	// U+E000 in UTF-16 even though it sorts after it in UTF-8.
	got, err := MarshalCanonical(IRObject{
		"\uE000":     IRInt(1),
		"\U00010000": IRInt(2),
		"Z":          IRInt(3),
		"a":          IRObject{"y": IRInt(4), "x": IRInt(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"Z":3,"a":{"x":5,"y":4},"`+"\U00010000"+`":2,"`+"\uE000"+`":1}`, string(got))
}

func TestMarshalCanonical_StringEscapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"newline and tab", "a\nb\tc", `"a\nb\tc"`},
		{"quote and backslash", `say "hi" \o/`, `"say \"hi\" \\o/"`},
		{"control characters", "a\x00b\x1fc\b\f\r", `"a\u0000b\u001fc\b\f\r"`},
		{"html is literal", "<p>a & b</p>", `"<p>a & b</p>"`},
		{"line separators are literal", "a\u2028b\u2029c", "\"a\u2028b\u2029c\""},
		{"escaped-looking text stays text", `\u2028 and ` + "\u2028", "\"\\\\u2028 and \u2028\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(IRString(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonical_NFC(t *testing.T) {
	composed, decomposed := "caf\u00E9.md", "cafe\u0301.md"

	a, err := MarshalCanonical(IRObject{composed: IRString(composed)})
	require.NoError(t, err)
	b, err := MarshalCanonical(IRObject{decomposed: IRString(decomposed)})
	require.NoError(t, err)
	assert.Equal(t, a, b, "keys and values are NFC-normalized")

	_, err = MarshalCanonical(IRObject{composed: IRInt(1), decomposed: IRInt(2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collide")
}

func TestMarshalCanonical_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		wantErr string
	}{
		{"NaN", math.NaN(), "non-finite"},
		{"+Inf", math.Inf(1), "non-finite"},
		{"-Inf", math.Inf(-1), "non-finite"},
		{"struct", struct{}{}, "unsupported type"},
		{"uint64 overflow", uint64(math.MaxUint64), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalCanonical(tt.in)
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestMarshalCanonical_StableAcrossDecode(t *testing.T) {
	for _, v := range []IRValue{
		IRString("README.md"),
		IRArray{IRFloat(0.5), IRNull{}, IRBool(true)},
		IRObject{
			"FILE":  IRObject{"RENDERED_FILE_NAME": IRString("src/api.py"), "EXTRAS": IRObject{"DEPENDENCIES": IRArray{IRString("src/config.py")}}},
			"PROJ":  IRObject{"NAME": IRString("demo")},
			"order": IRInt(2),
		},
	} {
		first, err := MarshalCanonical(v)
		require.NoError(t, err)
		decoded, err := UnmarshalIRValue(first)
		require.NoError(t, err)
		second, err := MarshalCanonical(decoded)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))
	}
}

func FuzzMarshalCanonicalStable(f *testing.F) {
	for _, seed := range []string{
		`{"RENDERED_FILE_NAME":"a.txt","EXTRAS":{"DEPENDENCIES":["b.txt"]}}`,
		`[1,2.5,"x",null,true]`,
		`{"x":null,"y":[1.5,2.0]}`,
		`"caf\u00e9"`,
		`-0`,
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, in string) {
		v, err := UnmarshalIRValue([]byte(in))
		if err != nil {
			t.Skip()
		}
		first, err := MarshalCanonical(v)
		if err != nil {
			t.Skip()
		}
		decoded, err := UnmarshalIRValue(first)
		require.NoError(t, err)
		second, err := MarshalCanonical(decoded)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}
