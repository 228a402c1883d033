package extract

import (
	"reflect"
	"testing"
)

func TestIsChallengeTitle(t *testing.T) {
	t.Parallel()

	cases := []struct {
		title string
		want  bool
	}{
		{"Just a moment...", true},
		{"Attention Required! | Cloudflare", true},
		{"Checking your browser before accessing", true},
		{"iPhone 15 Pro Replacement Parts", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsChallengeTitle(tc.title); got != tc.want {
			t.Errorf("IsChallengeTitle(%q) = %v, want %v", tc.title, got, tc.want)
		}
	}
}

func TestNormalizeImageURLs(t *testing.T) {
	t.Parallel()

	base := "https://store.example.com/parts/iphone-15"
	raw := []string{
		"/media/catalog/product/image/a.jpg",
		"https://store.example.com/media/catalog/product/image/a.jpg", // dup after resolution
		"https://store.example.com/media/catalog/product/small_image/b.jpg",
		"https://store.example.com/assets/spinner.gif",
		"",
		"https://cdn.example.com/media/catalog/product/image/c.webp",
	}

	got := NormalizeImageURLs(raw, base)
	want := []string{
		"https://store.example.com/media/catalog/product/image/a.jpg",
		"https://cdn.example.com/media/catalog/product/image/c.webp",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeImageURLs() = %v, want %v", got, want)
	}
}
