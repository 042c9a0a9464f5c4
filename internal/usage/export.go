package usage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var csvHeader = []string{
	"timestamp",
	"idempotencyKey",
	"provider",
	"model",
	"inputWordCount",
	"outputWordCount",
	"tokensUsed",
	"replayFlag",
}

// WriteCSV writes a header row and one row per entry in append order.
// Fields with commas, quotes or newlines are quoted, inner quotes doubled.
func (l *Log) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, e := range l.Entries() {
		tokens := ""
		if e.TokensUsed != nil {
			tokens = strconv.Itoa(*e.TokensUsed)
		}
		row := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			e.IdempotencyKey,
			e.Provider,
			e.Model,
			strconv.Itoa(e.InputWordCount),
			strconv.Itoa(e.OutputWordCount),
			tokens,
			strconv.FormatBool(e.ReplayFlag),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// ToCSV renders the log as CSV text.
func (l *Log) ToCSV() (string, error) {
	var buf bytes.Buffer
	if err := l.WriteCSV(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WriteJSON writes the entry list as a JSON array with RFC 3339 timestamps.
func (l *Log) WriteJSON(w io.Writer, pretty bool) error {
	data, err := l.ToJSON(pretty)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ToJSON serializes the whole log. An empty log is "[]", never "null".
func (l *Log) ToJSON(pretty bool) ([]byte, error) {
	entries := l.Entries()
	for i := range entries {
		entries[i].Timestamp = entries[i].Timestamp.UTC()
	}
	if pretty {
		return json.MarshalIndent(entries, "", "  ")
	}
	return json.Marshal(entries)
}

// ExportCSV atomically writes the CSV export to path.
func (l *Log) ExportCSV(path string) error {
	var buf bytes.Buffer
	if err := l.WriteCSV(&buf); err != nil {
		return fmt.Errorf("render csv: %w", err)
	}
	return writeAtomic(path, buf.Bytes())
}

// ExportJSON atomically writes the pretty-printed JSON export to path.
func (l *Log) ExportJSON(path string) error {
	data, err := l.ToJSON(true)
	if err != nil {
		return fmt.Errorf("render json: %w", err)
	}
	return writeAtomic(path, data)
}

// DecodeJSON parses the output of ToJSON.
func DecodeJSON(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode usage json: %w", err)
	}
	return entries, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("move export into place: %w", err)
	}
	return nil
}
