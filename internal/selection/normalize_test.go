package selection

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercase and trim", "  List My FILES  ", "list my files"},
		{"contraction", "What's in my folder?", "what is in my folder"},
		{"greeting synonym", "Hey there!", "hello there"},
		{"punctuation stripped", "read: config.yaml, please!", "read config.yaml please"},
		{"whitespace collapsed", "list\t\tfiles   now", "list files now"},
		{"path preserved", "read /etc/hosts", "read /etc/hosts"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalize_EquivalentPhrasings(t *testing.T) {
	if Normalize("What's the weather") != Normalize("what is the weather?") {
		t.Error("contraction and expansion must normalize identically")
	}
	if Normalize("hi") != Normalize("Hey!") {
		t.Error("greeting synonyms must fold together")
	}
}

func TestKeywords_DropsStopwordsAndDuplicates(t *testing.T) {
	got := Keywords("list the files in files folder")
	want := []string{"list", "files", "folder"}
	if len(got) != len(want) {
		t.Fatalf("Keywords = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keywords[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQueryHash_StableAndModelScoped(t *testing.T) {
	a := QueryHash("list files", "classifier-a")
	if a != QueryHash("list files", "classifier-a") {
		t.Error("hash must be deterministic")
	}
	if a == QueryHash("list files", "classifier-b") {
		t.Error("hash must differ across classifier models")
	}
	if a == QueryHash("list dirs", "classifier-a") {
		t.Error("hash must differ across queries")
	}
}
