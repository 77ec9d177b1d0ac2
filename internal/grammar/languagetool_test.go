package grammar

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCorrectAppliesReplacements(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/check" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("language") != "en-US" {
			t.Errorf("unexpected language %q", r.Form.Get("language"))
		}
		// "He go to the the store."
		fmt.Fprint(w, `{"matches":[
			{"offset":3,"length":2,"replacements":[{"value":"goes"},{"value":"went"}]},
			{"offset":9,"length":7,"replacements":[{"value":"the"}]}
		]}`)
	}))
	defer srv.Close()

	lt := NewLanguageTool(srv.URL, "", time.Second)
	got, err := lt.Correct(context.Background(), "He go to the the store.")
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if got != "He goes to the store." {
		t.Fatalf("unexpected correction %q", got)
	}
}

func TestCorrectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	lt := NewLanguageTool(endpoint, "en-US", time.Second)
	if _, err := lt.Correct(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestApplyMatchesSkipsOverlapAndUsesUTF16Offsets(t *testing.T) {
	// The emoji occupies two UTF-16 units, so "teh" starts at offset 3.
	text := "😀 teh cat"
	got := applyMatches(text, []match{
		{Offset: 3, Length: 3, Replacements: []struct {
			Value string `json:"value"`
		}{{Value: "the"}}},
		{Offset: 2, Length: 2, Replacements: []struct {
			Value string `json:"value"`
		}{{Value: "xx"}}},
	})
	if got != "😀 the cat" {
		t.Fatalf("unexpected result %q", got)
	}
}
