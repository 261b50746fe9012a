package transmit

import "unicode/utf8"

// Chunk is one sized piece of an outbound job. Seq is 1-based.
type Chunk struct {
	JobID   string
	Seq     int
	Total   int
	Payload string
}

// Split cuts text into the fewest pieces of at most limit bytes each, never
// inside a UTF-8 sequence. Invalid bytes count as one-byte units. When a
// single encoded rune is longer than limit it is split at byte level so the
// size bound still holds. Concatenating the result always yields text.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}

	var out []string
	for len(text) > 0 {
		if len(text) <= limit {
			out = append(out, text)
			break
		}

		cut := 0
		for cut < len(text) {
			_, size := utf8.DecodeRuneInString(text[cut:])
			if cut+size > limit {
				break
			}
			cut += size
		}
		if cut == 0 {
			cut = limit
		}

		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}

// chunksFor splits text and numbers the pieces for jobID.
func chunksFor(jobID string, text string, limit int) []Chunk {
	parts := Split(text, limit)
	chunks := make([]Chunk, len(parts))
	for i, part := range parts {
		chunks[i] = Chunk{JobID: jobID, Seq: i + 1, Total: len(parts), Payload: part}
	}
	return chunks
}
