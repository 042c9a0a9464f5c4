package logger

import (
	"strings"

	"github.com/nulzo/sermon-proxy/internal/cli"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

var highlightPool = buffer.NewPool()

// highlightEncoder is zap's console encoder with the trailing field object
// of each line (context and per-call fields) colored as JSON.
type highlightEncoder struct {
	zapcore.Encoder
}

func NewColoredConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &highlightEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func (e *highlightEncoder) Clone() zapcore.Encoder {
	return &highlightEncoder{Encoder: e.Encoder.Clone()}
}

func (e *highlightEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf, err := e.Encoder.EncodeEntry(ent, fields)
	if err != nil {
		return nil, err
	}

	line := buf.String()
	// the console encoder tab-separates columns; the field object is the
	// first column that opens a brace. Stack traces follow on later lines.
	at := strings.Index(line, "\t{")
	if at == -1 {
		return buf, nil
	}

	out := highlightPool.Get()
	out.AppendString(line[:at+1])
	out.AppendString(cli.HighlightJSON(line[at+1:]))
	buf.Free()
	return out, nil
}
