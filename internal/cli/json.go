package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

type tokenKind int

const (
	tokenKey tokenKind = iota
	tokenString
	tokenBool
	tokenNull
	tokenNumber
)

var palette = map[tokenKind]string{
	tokenKey:    Blue,
	tokenString: Green,
	tokenBool:   Yellow,
	tokenNull:   DimCode,
	tokenNumber: Purple,
}

// jsonToken matches, in order: quoted strings with an optional trailing colon
// (keys), literals, and numbers.
var jsonToken = regexp.MustCompile(`("(\\u[a-zA-Z0-9]{4}|\\[^u]|[^\\"])*"(\s*:)?|\b(true|false|null)\b|-?\d+(?:\.\d*)?(?:[eE][+\-]?\d+)?)`)

func kindOf(tok string) tokenKind {
	switch {
	case strings.HasSuffix(tok, ":"):
		return tokenKey
	case strings.HasPrefix(tok, `"`):
		return tokenString
	case tok == "true" || tok == "false":
		return tokenBool
	case tok == "null":
		return tokenNull
	default:
		return tokenNumber
	}
}

// HighlightJSON colors the tokens of a JSON document. It does not validate
// or reformat its input.
func HighlightJSON(s string) string {
	if !Enabled() {
		return s
	}
	return jsonToken.ReplaceAllStringFunc(s, func(tok string) string {
		kind := kindOf(tok)
		if kind == tokenKey {
			// color the key, not the colon
			return palette[kind] + tok[:len(tok)-1] + ResetCode + ":"
		}
		return palette[kind] + tok + ResetCode
	})
}

// PrettyFormat renders v as indented, highlighted JSON. Raw JSON passed as
// []byte or string is re-indented; raw input that is not valid JSON is
// returned as is.
func PrettyFormat(v interface{}) string {
	var raw []byte
	switch t := v.(type) {
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%+v", v)
		}
		return HighlightJSON(string(b))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return string(raw)
	}
	return HighlightJSON(out.String())
}

// FprintJSON writes PrettyFormat(v) and a newline to w.
func FprintJSON(w io.Writer, v interface{}) error {
	_, err := fmt.Fprintln(w, PrettyFormat(v))
	return err
}
