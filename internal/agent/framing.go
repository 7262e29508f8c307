package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"proxychat/pkg/agenttypes"
)

const (
	// maxLineBytes is the largest single line the agent writes. Clients read
	// with a line reader whose buffer is bounded; anything bigger goes out
	// through the chunked framing below.
	maxLineBytes = 60000

	// chunkedPartOverhead reserves room for the chunked_part envelope around
	// each data slice.
	chunkedPartOverhead = 2000
)

// writeJSON writes one response as a single newline-terminated JSON line.
func writeJSON(w io.Writer, payload *agenttypes.Response) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// writeJSONMaybeChunked writes the response as one line when it fits, or as
// a chunked_start / chunked_part... / chunked_end sequence when the encoded
// line would exceed the client's line buffer. Part boundaries never split a
// UTF-8 rune, so each data field remains a valid JSON string.
func writeJSONMaybeChunked(w io.Writer, payload *agenttypes.Response) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if len(data)+1 <= maxLineBytes {
		_, err = w.Write(append(data, '\n'))
		return err
	}

	partSize := maxLineBytes - chunkedPartOverhead
	if partSize < 1000 {
		partSize = 1000
	}
	parts := splitRuneBounded(string(data), partSize)

	if err := writeJSON(w, &agenttypes.Response{
		Type:     agenttypes.TypeChunkedStart,
		OrigType: payload.Type,
		Chunks:   len(parts),
	}); err != nil {
		return err
	}

	for i, part := range parts {
		index := i
		if err := writeJSON(w, &agenttypes.Response{
			Type:     agenttypes.TypeChunkedPart,
			OrigType: payload.Type,
			Index:    &index,
			Data:     part,
		}); err != nil {
			return err
		}
	}

	return writeJSON(w, &agenttypes.Response{
		Type:     agenttypes.TypeChunkedEnd,
		OrigType: payload.Type,
	})
}

// splitRuneBounded cuts text into pieces of at most size bytes, backing each
// cut off to the nearest rune boundary.
func splitRuneBounded(text string, size int) []string {
	var parts []string
	for len(text) > 0 {
		if len(text) <= size {
			parts = append(parts, text)
			break
		}
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	return parts
}
