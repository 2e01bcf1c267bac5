// Package vocab holds the immutable token/id mapping shared by every request.
package vocab

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/Brownie44l1/caption-api/internal/errs"
)

const (
	DefaultStartWord = "<start>"
	DefaultEndWord   = "<end>"
	DefaultUnkWord   = "<unk>"
)

// Vocabulary maps words to ids and back. It is never mutated after
// construction and is safe for concurrent reads.
type Vocabulary struct {
	word2idx map[string]int
	idx2word map[int]string

	startWord string
	endWord   string
	unkWord   string

	startID int
	endID   int
	unkID   int
}

// artifact is the on-disk layout of a vocabulary file.
type artifact struct {
	Word2Idx  map[string]int    `json:"word2idx"`
	Idx2Word  map[string]string `json:"idx2word,omitempty"`
	StartWord string            `json:"start_word,omitempty"`
	EndWord   string            `json:"end_word,omitempty"`
	UnkWord   string            `json:"unk_word,omitempty"`
}

// Load reads a vocabulary artifact from path.
func Load(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Mark(errs.ErrLoad, err, "failed to read vocabulary")
	}
	return Parse(data)
}

// Parse decodes a vocabulary artifact. A missing inverse mapping is derived
// from word2idx; a present one must be its exact inverse.
func Parse(data []byte) (*Vocabulary, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errs.Mark(errs.ErrLoad, err, "failed to parse vocabulary")
	}
	if len(a.Word2Idx) == 0 {
		return nil, errs.New(errs.ErrLoad, "vocabulary has no word2idx entries")
	}

	var idx2word map[int]string
	if a.Idx2Word == nil {
		inv, err := Invert(a.Word2Idx)
		if err != nil {
			return nil, err
		}
		idx2word = inv
	} else {
		parsed, err := parseInverse(a.Idx2Word)
		if err != nil {
			return nil, err
		}
		if err := checkInverse(a.Word2Idx, parsed); err != nil {
			return nil, err
		}
		idx2word = parsed
	}

	return New(a.Word2Idx, idx2word, Markers{Start: a.StartWord, End: a.EndWord, Unk: a.UnkWord})
}

// Markers names the reserved tokens. Empty fields fall back to the defaults.
type Markers struct {
	Start string
	End   string
	Unk   string
}

// New builds a Vocabulary from an already consistent pair of maps. Passing a
// nil idx2word derives it from word2idx.
func New(word2idx map[string]int, idx2word map[int]string, m Markers) (*Vocabulary, error) {
	if idx2word == nil {
		inv, err := Invert(word2idx)
		if err != nil {
			return nil, err
		}
		idx2word = inv
	}
	if err := checkInverse(word2idx, idx2word); err != nil {
		return nil, err
	}

	v := &Vocabulary{
		word2idx:  word2idx,
		idx2word:  idx2word,
		startWord: orDefault(m.Start, DefaultStartWord),
		endWord:   orDefault(m.End, DefaultEndWord),
		unkWord:   orDefault(m.Unk, DefaultUnkWord),
		unkID:     -1,
	}

	var ok bool
	if v.startID, ok = word2idx[v.startWord]; !ok {
		return nil, errs.New(errs.ErrLoad, "vocabulary is missing start token %q", v.startWord)
	}
	if v.endID, ok = word2idx[v.endWord]; !ok {
		return nil, errs.New(errs.ErrLoad, "vocabulary is missing end token %q", v.endWord)
	}
	if id, ok := word2idx[v.unkWord]; ok {
		v.unkID = id
	}
	return v, nil
}

// Invert derives id->word from word->id. It fails if two words share an id.
func Invert(word2idx map[string]int) (map[int]string, error) {
	// Sorted so the reported conflict is stable.
	words := make([]string, 0, len(word2idx))
	for w := range word2idx {
		words = append(words, w)
	}
	sort.Strings(words)

	inv := make(map[int]string, len(word2idx))
	for _, w := range words {
		id := word2idx[w]
		if id < 0 {
			return nil, errs.New(errs.ErrLoad, "word %q has negative id %d", w, id)
		}
		if prev, dup := inv[id]; dup {
			return nil, errs.New(errs.ErrLoad, "id %d is shared by %q and %q", id, prev, w)
		}
		inv[id] = w
	}
	return inv, nil
}

func parseInverse(raw map[string]string) (map[int]string, error) {
	out := make(map[int]string, len(raw))
	for k, w := range raw {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, errs.Mark(errs.ErrLoad, err, fmt.Sprintf("invalid idx2word key %q", k))
		}
		out[id] = w
	}
	return out, nil
}

func checkInverse(word2idx map[string]int, idx2word map[int]string) error {
	if len(word2idx) != len(idx2word) {
		return errs.New(errs.ErrLoad, "word2idx has %d entries but idx2word has %d", len(word2idx), len(idx2word))
	}
	for w, id := range word2idx {
		if got, ok := idx2word[id]; !ok || got != w {
			return errs.New(errs.ErrLoad, "idx2word[%d] = %q, want %q", id, got, w)
		}
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Size returns the number of distinct tokens.
func (v *Vocabulary) Size() int { return len(v.word2idx) }

// WordFor returns the word mapped to id.
func (v *Vocabulary) WordFor(id int) (string, bool) {
	w, ok := v.idx2word[id]
	return w, ok
}

// IDFor returns the id for word, or UnkID when word is absent.
func (v *Vocabulary) IDFor(word string) int {
	if id, ok := v.word2idx[word]; ok {
		return id
	}
	return v.unkID
}

func (v *Vocabulary) StartID() int { return v.startID }
func (v *Vocabulary) EndID() int   { return v.endID }

// UnkID is the id of the unknown token, or -1 when the vocabulary has none.
// -1 is not a token id and must not be fed to the decoder.
func (v *Vocabulary) UnkID() int { return v.unkID }

// IsMarker reports whether word is the start or end marker.
func (v *Vocabulary) IsMarker(word string) bool {
	return word == v.startWord || word == v.endWord
}
