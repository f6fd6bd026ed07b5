package report

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mbd888/loanlens/internal/events"
	"github.com/mbd888/loanlens/internal/session"
)

var (
	ErrConsentRequired = errors.New("research consent required")
	ErrInvalidFormat   = errors.New("invalid export format")
)

// Format is an export serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts json or csv, defaulting to json when s is empty.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFormat, s)
}

// ExportOptions controls serialization.
type ExportOptions struct {
	Format   Format
	Compress bool // zstd
}

// Blob is a finished export.
type Blob struct {
	SessionRef  string `json:"sessionRef"`
	Format      Format `json:"format"`
	ContentType string `json:"contentType"`
	Compressed  bool   `json:"compressed"`
	Checksum    string `json:"checksum"`
	Data        []byte `json:"-"`
}

// Filename is a download name for the blob.
func (b *Blob) Filename() string {
	name := b.SessionRef + "." + string(b.Format)
	if b.Compressed {
		name += ".zst"
	}
	return name
}

// document is the JSON export layout.
type document struct {
	SessionRef string          `json:"sessionRef"`
	Anonymized bool            `json:"anonymized"`
	Report     *AnalysisReport `json:"report"`
	Events     []events.Event  `json:"events"`
}

// SessionRef is the identifier written into exports. Anonymized sessions
// get a stable one-way reference instead of their id.
func SessionRef(st *session.State) string {
	if !st.Anonymized {
		return st.ID
	}
	sum := sha256.Sum256([]byte(st.ID))
	return "anon_" + hex.EncodeToString(sum[:])[:16]
}

// Export serializes the report and a stripped event log. It fails with
// ErrConsentRequired unless the session granted research consent.
func (a *Aggregator) Export(st *session.State, opts ExportOptions) (*Blob, error) {
	if !st.ResearchConsent {
		return nil, ErrConsentRequired
	}
	if opts.Format == "" {
		opts.Format = FormatJSON
	}

	ref := SessionRef(st)
	evs := stripEvents(st.Events)

	var data []byte
	var contentType string
	var err error
	switch opts.Format {
	case FormatJSON:
		rep := a.Aggregate(st)
		rep.SessionID = ref
		data, err = json.MarshalIndent(document{SessionRef: ref, Anonymized: st.Anonymized, Report: rep, Events: evs}, "", "  ")
		contentType = "application/json"
	case FormatCSV:
		data, err = eventsCSV(ref, evs)
		contentType = "text/csv"
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, opts.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s export: %w", opts.Format, err)
	}

	if opts.Compress {
		if data, err = compress(data); err != nil {
			return nil, err
		}
		contentType = "application/zstd"
	}

	sum := sha256.Sum256(data)
	return &Blob{
		SessionRef:  ref,
		Format:      opts.Format,
		ContentType: contentType,
		Compressed:  opts.Compress,
		Checksum:    hex.EncodeToString(sum[:]),
		Data:        data,
	}, nil
}

// stripEvents drops free-form behavioral payloads; derived indicators stay.
func stripEvents(in []events.Event) []events.Event {
	out := make([]events.Event, len(in))
	for i, ev := range in {
		ev = ev.Clone()
		if ev.Behavioral != nil {
			ev.Behavioral.Payload = nil
			ev.Behavioral.Snapshot = nil
		}
		out[i] = ev
	}
	return out
}

var csvHeader = []string{
	"session_ref", "seq", "timestamp", "phase", "kind", "action_type",
	"pattern_id", "category", "severity", "confidence",
	"immediate_harm", "long_term_harm", "time_to_decide_ms", "references", "indicators",
}

// eventsCSV writes one row per event.
func eventsCSV(ref string, evs []events.Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, ev := range evs {
		row := make([]string, len(csvHeader))
		row[0] = ref
		row[1] = strconv.Itoa(ev.Seq)
		row[2] = ev.Timestamp.UTC().Format(time.RFC3339Nano)
		row[3] = string(ev.Phase)
		row[4] = string(ev.Kind)
		switch ev.Kind {
		case events.KindDetection:
			d := ev.Detection
			row[6] = d.PatternID
			row[7] = string(d.Category)
			row[8] = string(d.Severity)
			row[9] = formatFloat(d.Confidence)
			row[10] = formatFloat(d.ImmediateHarm)
			row[11] = formatFloat(d.LongTermHarm)
		case events.KindBehavioral:
			row[5] = ev.Behavioral.ActionType
			row[14] = formatIndicators(ev.Behavioral.Indicators)
		case events.KindDecision:
			row[5] = ev.Decision.ActionType
			row[12] = strconv.FormatInt(ev.Decision.TimeToDecideMs, 10)
			row[13] = strings.Join(ev.Decision.PressureFactors, ";")
		case events.KindViolation:
			row[7] = ev.Violation.Category
			row[8] = string(ev.Violation.Severity)
			row[13] = strings.Join(ev.Violation.References, ";")
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatIndicators renders k=v pairs sorted by key.
func formatIndicators(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + formatFloat(m[k])
	}
	return strings.Join(parts, ";")
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("zstd write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zstd close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses a compressed export.
func Decompress(data []byte) ([]byte, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("zstd read: %w", err)
	}
	return buf.Bytes(), nil
}
