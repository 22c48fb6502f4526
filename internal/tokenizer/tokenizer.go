// Package tokenizer provides the token encoders the batch workers use to
// measure prompts and cut generated output to a request's budget.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"batchd/internal/batching"
)

// Kinds accepted by New.
const (
	KindWhitespace = "whitespace"
	KindTiktoken   = "tiktoken"
)

// New builds the tokenizer named by kind. encoding is only used by tiktoken.
func New(kind, encoding string) (batching.Tokenizer, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindWhitespace:
		return NewWhitespace(), nil
	case KindTiktoken:
		return NewTiktoken(encoding)
	default:
		return nil, fmt.Errorf("unknown tokenizer kind %q", kind)
	}
}

// DefaultVocabLimit is the number of pieces a Whitespace vocabulary holds
// before it rotates to a fresh generation.
const DefaultVocabLimit = 1 << 16

// Whitespace splits text into pieces of one word plus the whitespace run in
// front of it. A trailing whitespace run is a piece of its own, so Decode of
// an Encode result reproduces the text byte for byte.
//
// Ids are issued on first sight. When the current generation reaches its
// limit it becomes the previous one and a new generation starts, so at most
// two generations are held. Ids from older generations no longer decode.
type Whitespace struct {
	mu    sync.RWMutex
	limit int
	cur   *vocab
	prev  *vocab
}

type vocab struct {
	base   int
	ids    map[string]int
	pieces []string
}

func newVocab(base int) *vocab {
	return &vocab{base: base, ids: make(map[string]int)}
}

func (v *vocab) piece(id int) (string, bool) {
	if v == nil || id < v.base || id-v.base >= len(v.pieces) {
		return "", false
	}
	return v.pieces[id-v.base], true
}

// NewWhitespace returns an empty vocabulary with DefaultVocabLimit.
func NewWhitespace() *Whitespace {
	return NewWhitespaceLimit(DefaultVocabLimit)
}

// NewWhitespaceLimit returns an empty vocabulary that rotates every limit
// pieces. limit < 1 means DefaultVocabLimit.
func NewWhitespaceLimit(limit int) *Whitespace {
	if limit < 1 {
		limit = DefaultVocabLimit
	}
	return &Whitespace{limit: limit, cur: newVocab(0)}
}

func (w *Whitespace) Encode(text string) []int {
	var out []int
	for len(text) > 0 {
		i := strings.IndexFunc(text, func(r rune) bool { return !unicode.IsSpace(r) })
		if i < 0 {
			out = append(out, w.id(text))
			break
		}
		j := strings.IndexFunc(text[i:], unicode.IsSpace)
		if j < 0 {
			j = len(text)
		} else {
			j += i
		}
		out = append(out, w.id(text[:j]))
		text = text[j:]
	}
	return out
}

func (w *Whitespace) id(piece string) int {
	w.mu.RLock()
	id, ok := w.cur.ids[piece]
	w.mu.RUnlock()
	if ok {
		return id
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.cur.ids[piece]; ok {
		return id
	}
	if len(w.cur.pieces) >= w.limit {
		w.prev = w.cur
		w.cur = newVocab(w.prev.base + len(w.prev.pieces))
	}
	id = w.cur.base + len(w.cur.pieces)
	w.cur.ids[piece] = id
	w.cur.pieces = append(w.cur.pieces, piece)
	return id
}

// Decode concatenates pieces and skips ids it does not hold. A piece without
// leading whitespace that follows a non-space character gets one space in
// front, which only happens for sequences Encode never produces, such as a
// model repeating a prompt's first word.
func (w *Whitespace) Decode(ids []int) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var b strings.Builder
	for _, id := range ids {
		p, ok := w.cur.piece(id)
		if !ok {
			if p, ok = w.prev.piece(id); !ok {
				continue
			}
		}
		if b.Len() > 0 && !startsWithSpace(p) && !endsWithSpace(b.String()) {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}

func startsWithSpace(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsSpace(r)
}

func endsWithSpace(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return unicode.IsSpace(r)
}

// Size returns the number of pieces currently held across both generations.
func (w *Whitespace) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := len(w.cur.pieces)
	if w.prev != nil {
		n += len(w.prev.pieces)
	}
	return n
}
