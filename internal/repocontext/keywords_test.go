package repocontext

import (
	"reflect"
	"strings"
	"testing"
)

func TestExtractKeywords(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
		want  []string
	}{
		{
			name:  "lowercases and splits on punctuation",
			texts: []string{"Fix the Parser.Error() panic"},
			want:  []string{"fix", "parser", "error", "panic"},
		},
		{
			name:  "drops stop words and short tokens",
			texts: []string{"what is the bug in db io"},
			want:  []string{"bug"},
		},
		{
			name:  "deduplicates preserving first occurrence order",
			texts: []string{"cache cache eviction", "eviction cache policy"},
			want:  []string{"cache", "eviction", "policy"},
		},
		{
			name:  "spans multiple texts",
			texts: []string{"login fails", "session timeout after login"},
			want:  []string{"login", "fails", "session", "timeout", "after"},
		},
		{
			name:  "only stop words yields nothing",
			texts: []string{"the and for with"},
			want:  nil,
		},
		{
			name:  "empty input",
			texts: []string{""},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractKeywords(tt.texts...)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractKeywords(%v) = %v, want %v", tt.texts, got, tt.want)
			}
		})
	}
}

func TestExtractKeywordsCap(t *testing.T) {
	words := make([]string, 0, 20)
	for _, w := range strings.Fields("alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima mike november oscar") {
		words = append(words, w)
	}
	got := ExtractKeywords(strings.Join(words, " "))
	if len(got) != maxKeywords {
		t.Errorf("keyword count = %d, want cap of %d", len(got), maxKeywords)
	}
}
