// Package sanitize transforms raw kernel output fragments into agent-sized
// representations: one mime per fragment, terminal escapes stripped, small
// HTML tables rendered as text, and anything over the inline ceiling
// offloaded to the asset store behind a reference.
package sanitize

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"nbpilot/internal/assets"
)

// mimePriority orders equivalent representations, vector and structured
// formats first. Exactly one representation survives sanitization.
var mimePriority = []string{
	"image/svg+xml",
	"image/png",
	"image/jpeg",
	"application/pdf",
	"text/html",
	"text/markdown",
	"text/latex",
	"text/plain",
}

var binaryMimes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"application/pdf": true,
}

// markerReserve is the inline budget held back for the truncation marker.
const markerReserve = 256

// CSI sequences (colors, cursor movement) and OSC sequences (titles,
// hyperlinks) as interpreters commonly emit them.
var ansiPattern = regexp.MustCompile("\x1b\\[[0-9;?]*[a-zA-Z]|\x1b\\][^\x07\x1b]*(?:\x07|\x1b\\\\)")

// StripANSI removes terminal control and color codes from text.
func StripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

// AssetSaver is the slice of the asset store the sanitizer needs.
type AssetSaver interface {
	Save(docPath, mime string, data []byte) (assets.Ref, error)
}

// Limits bounds the sanitizer's inline output.
type Limits struct {
	InlineBytes  int
	TableMaxRows int
	TableMaxCols int
}

// Sanitizer cleans raw output items. One Sanitizer is shared by all
// sessions; it holds no per-document state.
type Sanitizer struct {
	limits Limits
	store  AssetSaver
	logger *zap.Logger
}

// New builds a sanitizer writing oversized payloads through store.
func New(limits Limits, store AssetSaver, logger *zap.Logger) *Sanitizer {
	return &Sanitizer{limits: limits, store: store, logger: logger.Named("sanitize")}
}

// Sanitize cleans one item. It never fails: any internal error degrades to
// a placeholder output for this one item so the rest of an execution's
// output list is unaffected.
func (s *Sanitizer) Sanitize(docPath string, it Item) (out Output) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sanitizer panic", zap.Any("cause", r))
			out = Output{Kind: it.Kind, Text: fmt.Sprintf("[output could not be sanitized: %v]", r)}
		}
	}()

	switch it.Kind {
	case KindStream:
		text, ref, truncated := s.boundText(docPath, "text/plain", StripANSI(it.Text))
		return Output{Kind: KindStream, StreamName: it.StreamName, Text: text, AssetRef: ref, Truncated: truncated}
	case KindError:
		return s.sanitizeError(docPath, it)
	case KindResult, KindDisplay:
		return s.sanitizeRich(docPath, it)
	default:
		return Output{Kind: it.Kind, Text: "[unknown output kind]"}
	}
}

func (s *Sanitizer) sanitizeError(docPath string, it Item) Output {
	lines := make([]string, 0, len(it.Traceback))
	for _, l := range it.Traceback {
		lines = append(lines, StripANSI(l))
	}
	text, ref, truncated := s.boundText(docPath, "text/plain", strings.Join(lines, "\n"))
	return Output{
		Kind:      KindError,
		Ename:     StripANSI(it.Ename),
		Evalue:    StripANSI(it.Evalue),
		Text:      text,
		AssetRef:  ref,
		Truncated: truncated,
	}
}

func (s *Sanitizer) sanitizeRich(docPath string, it Item) Output {
	mime, payload := selectMime(it.Data)
	if mime == "" {
		return Output{Kind: it.Kind, Text: "[empty display bundle]"}
	}

	// Small HTML tables become plain text tables; anything else HTML is
	// passed through as text and subject to the usual size bounds.
	if mime == "text/html" {
		if table, ok := renderTable(payload, s.limits.TableMaxRows, s.limits.TableMaxCols); ok {
			mime, payload = "text/plain", table
		}
	}

	if binaryMimes[mime] {
		raw := decodePayload(payload)
		ref, err := s.store.Save(docPath, mime, raw)
		if err != nil {
			s.logger.Warn("asset offload failed", zap.String("mime", mime), zap.Error(err))
			return Output{
				Kind: it.Kind, Mime: mime, Truncated: true,
				Text: fmt.Sprintf("[%s output, %d bytes; offload failed: %v]", mime, len(raw), err),
			}
		}
		return Output{
			Kind: it.Kind, Mime: mime, AssetRef: ref.String(),
			Text: fmt.Sprintf("[%s output, %d bytes, stored at %s]", mime, ref.Size, ref),
		}
	}

	text, ref, truncated := s.boundText(docPath, mime, StripANSI(payload))
	return Output{Kind: it.Kind, Mime: mime, Text: text, AssetRef: ref, Truncated: truncated}
}

// selectMime picks exactly one representation from a bundle using the fixed
// priority order; unknown mimes lose to known ones.
func selectMime(data map[string]string) (string, string) {
	for _, m := range mimePriority {
		if payload, ok := data[m]; ok {
			return m, payload
		}
	}
	for m, payload := range data {
		return m, payload
	}
	return "", ""
}

// decodePayload undoes the base64 wrapping nbformat applies to binary
// payloads. Payloads that do not decode are kept as-is.
func decodePayload(payload string) []byte {
	compact := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, payload)
	if raw, err := base64.StdEncoding.DecodeString(compact); err == nil {
		return raw
	}
	return []byte(payload)
}

// boundText enforces the inline ceiling. Oversized text is offloaded in
// full to the asset store and replaced inline by a deterministic head+tail
// excerpt with an explicit marker. If the offload write fails, the text is
// still truncated - losing the inline view entirely would be worse.
func (s *Sanitizer) boundText(docPath, mime, text string) (inline, assetRef string, truncated bool) {
	limit := s.limits.InlineBytes
	if len(text) <= limit {
		return text, "", false
	}

	refStr := ""
	if ref, err := s.store.Save(docPath, mime, []byte(text)); err != nil {
		s.logger.Warn("asset offload failed", zap.Error(err))
	} else {
		refStr = ref.String()
	}

	// Reserve room for the marker so the inline result stays under the
	// ceiling even after it is inserted.
	keep := (limit - markerReserve) / 2
	if keep < 1 {
		keep = 1
	}
	// Byte offsets can land mid-rune; back off to a boundary so the inline
	// excerpt stays valid UTF-8.
	headEnd := keep
	for headEnd > 0 && !utf8.RuneStart(text[headEnd]) {
		headEnd--
	}
	tailStart := len(text) - keep
	for tailStart < len(text) && !utf8.RuneStart(text[tailStart]) {
		tailStart++
	}
	head := text[:headEnd]
	tail := text[tailStart:]
	elided := tailStart - headEnd
	elidedLines := strings.Count(text[headEnd:tailStart], "\n")

	marker := fmt.Sprintf("\n... [%d bytes, %d lines elided", elided, elidedLines)
	if refStr != "" {
		marker += fmt.Sprintf("; full %d-byte output stored at %s", len(text), refStr)
	}
	marker += "] ...\n"
	return head + marker + tail, refStr, true
}
