package gatewaydoc

import (
	"strings"
	"testing"
)

func TestParseExposesTitleAndFinalURL(t *testing.T) {
	doc, err := Parse(`<html><head><title>  Example Show  </title></head><body><div class="item">A</div></body></html>`, "https://example.test/page")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if got := doc.Title(); got != "Example Show" {
		t.Errorf("Title() = %q, want trimmed %q", got, "Example Show")
	}
	if doc.FinalURL() != "https://example.test/page" {
		t.Errorf("FinalURL() = %q", doc.FinalURL())
	}
	if doc.Raw() == "" {
		t.Errorf("Raw() should return the original body")
	}
}

func TestFindPassesThroughToRootSelection(t *testing.T) {
	doc, err := Parse(`<html><body><div class="item">A</div><div class="item">B</div></body></html>`, "https://example.test/")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if n := doc.Find(".item").Length(); n != 2 {
		t.Errorf("Find(.item).Length() = %d, want 2", n)
	}
}

func TestSelectReturnsMatchedElementHTML(t *testing.T) {
	doc, err := Parse(`<html><body><div id="notice">access denied by origin policy</div><p>other</p></body></html>`, "https://example.test/")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	out, err := doc.Select("#notice")
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if !strings.Contains(out, "access denied by origin policy") {
		t.Errorf("Select(#notice) = %q, want it to contain the notice text", out)
	}
}

func TestSelectFallsBackToRawWhenNoMatch(t *testing.T) {
	doc, err := Parse(`<html><body><p>hello</p></body></html>`, "https://example.test/")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	out, err := doc.Select("#missing")
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if out != doc.Raw() {
		t.Errorf("Select(#missing) = %q, want raw fallback %q", out, doc.Raw())
	}
}

func TestParseMalformedHTMLStillSucceeds(t *testing.T) {
	doc, err := Parse(`<html><body><p>unterminated`, "https://example.test/")
	if err != nil {
		t.Fatalf("Parse should tolerate malformed HTML, got error: %v", err)
	}
	if doc.Title() != "" {
		t.Errorf("Title() = %q, want empty for a titleless page", doc.Title())
	}
}
