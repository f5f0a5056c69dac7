// Package outline lints the heading hierarchy and image alt text of an HTML
// document.
package outline

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/guillaumesp/webvitals/internal/models"
)

const (
	headingSelector = "h1, h2, h3, h4, h5, h6"

	// srcFingerprintLen is how much of an image src ends up in its issue.
	srcFingerprintLen = 30

	msgNoH1          = "Document has no h1 tag."
	msgNotStartingH1 = "Document does not begin with an h1 tag."
)

// Detect analyzes htmlText without a document URL; image sources are reported
// as written.
func Detect(htmlText string) models.OutlineIssues {
	return DetectWithBase(htmlText, nil)
}

// DetectWithBase analyzes htmlText, resolving image sources against base (and
// any <base href> in the document).
func DetectWithBase(htmlText string, base *url.URL) models.OutlineIssues {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err != nil {
		// The tokenizer is lenient; this only happens on reader errors.
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader(""))
	}

	return models.OutlineIssues{
		HeadingIssues: headingIssues(doc),
		ImageIssues:   imageIssues(doc, documentBase(doc, base)),
	}
}

func headingIssues(doc *goquery.Document) models.IssueList {
	headings := doc.Find(headingSelector)
	var issues []string

	if doc.Find("h1").Length() == 0 {
		issues = append(issues, msgNoH1)
	}

	if headings.Length() > 0 && goquery.NodeName(headings.First()) != "h1" {
		issues = append(issues, msgNotStartingH1)
	}

	previousLevel := 0
	headings.Each(func(_ int, h *goquery.Selection) {
		level := headingLevel(goquery.NodeName(h))
		if previousLevel != 0 && level-previousLevel > 1 {
			issues = append(issues, fmt.Sprintf("Hierarchy issue: H%d follows H%d without an intermediate level.", level, previousLevel))
		}
		previousLevel = level
	})

	return models.IssuesOf(issues...)
}

func imageIssues(doc *goquery.Document, base *url.URL) models.IssueList {
	var issues []string

	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		if _, ok := img.Attr("alt"); ok {
			return
		}
		// A missing src reads as "", like img.src in the DOM.
		src, ok := img.Attr("src")
		if ok {
			src = resolve(base, src)
		}
		issues = append(issues, fmt.Sprintf("Image with src : %s is missing an alt attribute.", lastRunes(src, srcFingerprintLen)))
	})

	return models.IssuesOf(issues...)
}

// headingLevel maps "h1".."h6" to 1..6.
func headingLevel(name string) int {
	if len(name) != 2 || name[0] != 'h' || name[1] < '1' || name[1] > '6' {
		return 0
	}
	return int(name[1] - '0')
}

func documentBase(doc *goquery.Document, base *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok {
		return base
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return base
	}
	if base != nil {
		return base.ResolveReference(ref)
	}
	if ref.IsAbs() {
		return ref
	}
	return nil
}

func resolve(base *url.URL, src string) string {
	if base == nil {
		return src
	}
	ref, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return src
	}
	return base.ResolveReference(ref).String()
}

func lastRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
