package transfer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Bodies that are an error message rather than real content. Peers that
// once saved a failed response as the file would otherwise spread it.
var errorPhrases = map[string]bool{
	"error":          true,
	"not found":      true,
	"404 error":      true,
	"file not found": true,
}

const notFoundPage = `<!doctype html>
<html lang=en>
<title>404 Not Found</title>
<h1>Not Found</h1>
<p>The requested URL was not found on the server. If you entered the URL manually please check your spelling and try again.</p>`

var notFoundPageKey = stripSpace(strings.ToLower(notFoundPage))

// looksLikeErrorPage reports whether content is valid UTF-8 whose trimmed,
// lowercased text is an error phrase or contains the default 404 page.
// Whitespace is removed from both sides before the page comparison.
func looksLikeErrorPage(content []byte) bool {
	if !utf8.Valid(content) {
		return false
	}
	text := strings.ToLower(strings.TrimSpace(string(content)))
	if errorPhrases[text] {
		return true
	}
	if len(text) < len(notFoundPageKey) {
		return false
	}
	return strings.Contains(stripSpace(text), notFoundPageKey)
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
