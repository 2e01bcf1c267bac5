// Package caption turns images into captions: it runs the preprocess,
// encode, decode and assemble stages and owns their error contract.
package caption

import (
	"strings"

	"github.com/Brownie44l1/caption-api/internal/vocab"
)

// Assemble maps ids to words, skipping ids the vocabulary does not know and
// dropping start/end markers wherever they appear. An empty result is valid.
func Assemble(ids []int, v *vocab.Vocabulary) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		w, ok := v.WordFor(id)
		if !ok || v.IsMarker(w) {
			continue
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}
