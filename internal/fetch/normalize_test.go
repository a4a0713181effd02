package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases host and strips www",
			in:   "https://WWW.Example.com/Path/",
			want: "https://example.com/Path",
		},
		{
			name: "removes utm parameters but keeps the rest",
			in:   "https://example.com/article?utm_source=x&utm_medium=y&id=7",
			want: "https://example.com/article?id=7",
		},
		{
			name: "strips wildcard utm params missing from the classic list",
			in:   "https://example.com/article?utm_id=99",
			want: "https://example.com/article",
		},
		{
			name: "removes click identifiers",
			in:   "https://example.com/a?fbclid=abc&gclid=def",
			want: "https://example.com/a",
		},
		{
			name: "drops fragment",
			in:   "https://example.com/a#section-2",
			want: "https://example.com/a",
		},
		{
			name: "trims trailing slash including root",
			in:   "http://example.com/",
			want: "http://example.com",
		},
		{
			name: "preserves non-www subdomains",
			in:   "https://blog.example.com/x?ref=hn&page=2",
			want: "https://blog.example.com/x?page=2",
		},
		{
			name: "preserves port",
			in:   "http://example.com:8080/x",
			want: "http://example.com:8080/x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURLRejectsUnfetchable(t *testing.T) {
	for _, in := range []string{
		"",
		"ftp://example.com/file",
		"not a url at all",
		"https://",
		"mailto:someone@example.com",
	} {
		_, err := NormalizeURL(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestNormalizeURLIdempotent(t *testing.T) {
	once, err := NormalizeURL("https://WWW.Example.com/Path/?utm_source=x&id=7#frag")
	require.NoError(t, err)
	twice, err := NormalizeURL(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://blog.example.com/path", "blog.example.com"},
		{"https://www.example.com:8080/x", "example.com"},
		{"https://Example.COM", "example.com"},
		{"http://127.0.0.1:9999/y", "127.0.0.1"},
	}
	for _, tt := range tests {
		got, err := ExtractDomain(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestDomainMatches(t *testing.T) {
	assert.True(t, domainMatches("example.com", "example.com"))
	assert.True(t, domainMatches("docs.example.com", "example.com"))
	assert.True(t, domainMatches("a.b.example.com", "example.com"))
	assert.False(t, domainMatches("badexample.com", "example.com"))
	assert.False(t, domainMatches("example.com.evil.io", "example.com"))
	assert.False(t, domainMatches("example.com", "docs.example.com"))
}
