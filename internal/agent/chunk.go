package agent

import "strings"

// chunkReply splits an assistant reply into sentence-like chunks to allow
// committing transcript increments only after corresponding audio is emitted.
// Heuristic: split on '.', '?', '!' and newlines, retaining punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	emit := func() {
		if chunk := strings.TrimSpace(b.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			emit()
		case '\n', '\r':
			emit()
		default:
			b.WriteRune(r)
		}
	}
	emit()
	return chunks
}
