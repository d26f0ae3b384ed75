package slugify

import "testing"

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fractions & Decimals", "fractions-decimals"},
		{"  Leading and trailing  ", "leading-and-trailing"},
		{"Already-slugified", "already-slugified"},
		{"Multiple   Spaces", "multiple-spaces"},
		{"Weird!!Chars??", "weird-chars"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSlugifyIdempotent(t *testing.T) {
	inputs := []string{"Fractions & Decimals", "Ch. 3: Motion", "already-a-slug", ""}
	for _, in := range inputs {
		once := Slugify(in)
		twice := Slugify(once)
		if once != twice {
			t.Errorf("Slugify not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestSlugifyNoLeadingTrailingHyphen(t *testing.T) {
	s := Slugify("---Weird--Title---")
	if len(s) > 0 && (s[0] == '-' || s[len(s)-1] == '-') {
		t.Errorf("Slugify produced leading/trailing hyphen: %q", s)
	}
}

func TestDeslugifyRoundTrip(t *testing.T) {
	inputs := []string{"Fractions & Decimals", "motion and force", "algebra-basics"}
	for _, in := range inputs {
		slug := Slugify(in)
		restored := Deslugify(slug)
		if Slugify(restored) != slug {
			t.Errorf("Slugify(Deslugify(Slugify(%q))) = %q, want %q", in, Slugify(restored), slug)
		}
	}
}

func TestDeslugifyTitleCases(t *testing.T) {
	if got := Deslugify("fractions-decimals"); got != "Fractions Decimals" {
		t.Errorf("Deslugify() = %q, want %q", got, "Fractions Decimals")
	}
}
