package transcribe

import "strings"

// utteranceBuffer accumulates the transcripts of is_final messages until
// speech_final or an utterance end closes the utterance.
type utteranceBuffer struct {
	parts []string
}

func (b *utteranceBuffer) add(text string) {
	b.parts = append(b.parts, text)
}

// text joins the buffered parts with next appended, without consuming them.
func (b *utteranceBuffer) text(next string) string {
	parts := b.parts
	if next != "" {
		parts = append(parts[:len(parts):len(parts)], next)
	}
	return strings.Join(parts, " ")
}

// flush returns the finished utterance and resets the buffer.
func (b *utteranceBuffer) flush() string {
	if len(b.parts) == 0 {
		return ""
	}
	out := strings.Join(b.parts, " ")
	b.parts = nil
	return out
}
