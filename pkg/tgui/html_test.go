package tgui

import "testing"

func TestEscapingHelpers(t *testing.T) {
	if got := B("<x>"); got != "<b>&lt;x&gt;</b>" {
		t.Fatalf("B=%q", got)
	}
	if got := Mention("", 42); got != `<a href="tg://user?id=42">user 42</a>` {
		t.Fatalf("Mention=%q", got)
	}
	if got := JoinH(" ", B("a"), "", I("b")); got != "<b>a</b> <i>b</i>" {
		t.Fatalf("JoinH=%q", got)
	}
}

func TestCard(t *testing.T) {
	got := NewCard(B("Title")).Field("Name", "a&b").Field("Empty", "").HTML()
	want := H("<b>Title</b>\n<b>Name:</b> a&amp;b\n<b>Empty:</b> -")
	if got != want {
		t.Fatalf("card=%q want %q", got, want)
	}
}
