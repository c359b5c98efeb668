package pipeline

import (
	"reflect"
	"testing"
)

func TestChunkerSentenceBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		deltas []string
		want   []string
		rest   string
	}{
		{
			name:   "single sentence in one delta",
			deltas: []string{"Bonjour, comment allez-vous?"},
			want:   []string{"Bonjour, comment allez-vous?"},
		},
		{
			name:   "sentence split across deltas",
			deltas: []string{"Le cabinet est ", "ouvert de 9h ", "à 18h."},
			want:   []string{"Le cabinet est ouvert de 9h à 18h."},
		},
		{
			name:   "two sentences in one delta",
			deltas: []string{"Très bien. À demain!"},
			want:   []string{"Très bien.", "À demain!"},
		},
		{
			name:   "newline is a boundary",
			deltas: []string{"Première ligne\nDeuxième"},
			want:   []string{"Première ligne"},
			rest:   "Deuxième",
		},
		{
			name:   "remainder stays buffered",
			deltas: []string{"Pouvez-vous me donner votre"},
			want:   nil,
			rest:   "Pouvez-vous me donner votre",
		},
		{
			name:   "bare punctuation is dropped",
			deltas: []string{"...", " D'accord."},
			want:   []string{"D'accord."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newSentenceChunker(0)
			var got []string
			for _, d := range tt.deltas {
				got = append(got, c.Feed(d)...)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("pieces = %q, want %q", got, tt.want)
			}
			if rest := c.Flush(); rest != tt.rest {
				t.Errorf("flush = %q, want %q", rest, tt.rest)
			}
		})
	}
}

func TestChunkerWordCap(t *testing.T) {
	c := newSentenceChunker(3)

	got := c.Feed("un deux trois quatre cinq six sept")
	want := []string{"un deux trois", "quatre cinq six"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("pieces = %q, want %q", got, want)
	}
	if rest := c.Flush(); rest != "sept" {
		t.Errorf("flush = %q, want %q", rest, "sept")
	}
}

func TestChunkerFlushEmpties(t *testing.T) {
	c := newSentenceChunker(0)
	c.Feed("reste")
	if got := c.Flush(); got != "reste" {
		t.Fatalf("flush = %q, want %q", got, "reste")
	}
	if got := c.Flush(); got != "" {
		t.Errorf("second flush = %q, want empty", got)
	}
}
