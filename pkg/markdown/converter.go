package markdown

import (
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

// Tags Telegram accepts in HTML parse mode
var supportedTags = map[string]bool{
	"b": true, "i": true, "u": true, "s": true,
	"code": true, "pre": true, "a": true, "blockquote": true,
}

var (
	paragraphRe  = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	headingRe    = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	codeBlockRe  = regexp.MustCompile(`(?s)<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	tagRe        = regexp.MustCompile(`</?([a-zA-Z0-9]+)(?:\s[^>]*)?/?>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

var tagReplacer = strings.NewReplacer(
	"<strong>", "<b>", "</strong>", "</b>",
	"<em>", "<i>", "</em>", "</i>",
	"<del>", "<s>", "</del>", "</s>",
	"<ul>\n", "", "</ul>\n", "", "<ol>\n", "", "</ol>\n", "",
	"<ul>", "", "</ul>", "", "<ol>", "", "</ol>", "",
	"<li>", "• ", "</li>", "",
	"<br>\n", "\n", "<br />\n", "\n", "<br>", "\n", "<br />", "\n", "<hr>", "", "<hr />", "",
)

// ToTelegramHTML converts markdown to the HTML subset Telegram renders
func ToTelegramHTML(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	// Telegram only knows a few named entities, so smart quotes and dashes stay off
	renderer := blackfriday.NewHTMLRenderer(blackfriday.HTMLRendererParameters{
		Flags: blackfriday.UseXHTML,
	})
	html := string(blackfriday.Run([]byte(markdown),
		blackfriday.WithRenderer(renderer),
		blackfriday.WithExtensions(blackfriday.CommonExtensions|blackfriday.HardLineBreak)))
	return clean(html)
}

func clean(html string) string {
	html = codeBlockRe.ReplaceAllString(html, "<pre>$1</pre>")
	html = headingRe.ReplaceAllString(html, "<b>$1</b>\n")
	html = paragraphRe.ReplaceAllString(html, "$1\n")
	html = tagReplacer.Replace(html)

	html = tagRe.ReplaceAllStringFunc(html, func(tag string) string {
		name := strings.ToLower(tagRe.FindStringSubmatch(tag)[1])
		if supportedTags[name] {
			return tag
		}
		return ""
	})

	html = blankLinesRe.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
