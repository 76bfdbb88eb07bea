package filter

import (
	"strings"
	"testing"
)

func TestName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "Whiskers", want: "Whiskers"},
		{name: "trimmed", in: "  Mr Paws \n", want: "Mr Paws"},
		{name: "markup stripped", in: "<b>Tiger</b>", want: "Tiger"},
		{name: "entities decoded", in: "Tom & Jerry", want: "Tom & Jerry"},
		{name: "script removed", in: "<script>alert(1)</script>Rex", want: "Rex"},
		{name: "markup only", in: "<img src=x onerror=alert(1)>", want: ""},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Name(tt.in); got != tt.want {
				t.Fatalf("Name(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello there", want: "hello there"},
		{name: "trimmed", in: "  hi  ", want: "hi"},
		{name: "inline formatting kept", in: "<b>bold</b> and <i>italic</i>", want: "<b>bold</b> and <i>italic</i>"},
		{name: "code kept", in: "<code>x := 1</code>", want: "<code>x := 1</code>"},
		{name: "script removed", in: "hello <script>alert(1)</script>world", want: "hello world"},
		{name: "event handler removed", in: `<b onclick="alert(1)">hi</b>`, want: "<b>hi</b>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Message(tt.in); got != tt.want {
				t.Fatalf("Message(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMessageLinks(t *testing.T) {
	got := Message(`<a href="https://example.com">site</a>`)
	if !strings.Contains(got, `href="https://example.com"`) {
		t.Fatalf("safe link lost: %q", got)
	}
	if !strings.Contains(got, `rel="nofollow"`) {
		t.Fatalf("link missing nofollow: %q", got)
	}

	got = Message(`<a href="javascript:alert(1)">click</a>`)
	if strings.Contains(got, "javascript:") || strings.Contains(got, "<a") {
		t.Fatalf("script link survived: %q", got)
	}
	if !strings.Contains(got, "click") {
		t.Fatalf("link text dropped: %q", got)
	}
}
