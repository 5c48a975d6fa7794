package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pageprimer/pkg/domain"
)

func req(url string) *domain.Request { return domain.NewRequest("GET", url) }

func TestModes(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
		url  string
		want bool
	}{
		{"prefix hit", Rule{ModePrefix, "https://ads.example.com/"}, "https://ads.example.com/b.js", true},
		{"prefix miss", Rule{ModePrefix, "https://ads.example.com/"}, "https://example.com/", false},
		{"regex hit", Rule{ModeRegex, `\.mp4$`}, "https://example.com/v.mp4", true},
		{"regex invalid", Rule{ModeRegex, `(`}, "https://example.com/(", false},
		{"exact", Rule{ModeExact, "https://example.com/a"}, "https://example.com/a", true},
		{"glob suffix", Rule{ModeGlob, "*.woff2"}, "https://example.com/f.woff2", true},
		{"glob prefix", Rule{"", "https://track.*"}, "https://track.example.com/p", true},
		{"host wildcard", Rule{ModeHost, "*.doubleclick.net"}, "https://ad.doubleclick.net/x", true},
		{"host case", Rule{ModeHost, "CDN.example.com"}, "https://cdn.example.com/x", true},
		{"host miss", Rule{ModeHost, "*.doubleclick.net"}, "https://example.com/x", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := New([]Rule{tc.rule})
			assert.Equal(t, tc.want, e.Excluded(req(tc.url)))
			assert.Equal(t, !tc.want, e.Policy()(req(tc.url)))
		})
	}
}

func TestUpdateReplacesRules(t *testing.T) {
	e := New(nil)
	p := e.Policy()
	assert.True(t, p(req("https://ads.example.com/")))
	e.Update([]Rule{{ModePrefix, "https://ads."}})
	assert.False(t, p(req("https://ads.example.com/")))
}
