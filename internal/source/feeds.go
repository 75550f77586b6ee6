package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Format selects how a feed response is decoded.
type Format string

const (
	FormatOfficialJoke Format = "official-joke-api"
	FormatJokeAPI      Format = "jokeapi"
	FormatDadJoke      Format = "icanhazdadjoke"
	FormatGeneric      Format = "generic"
	FormatHTML         Format = "html"
)

const (
	userAgent    = "shortsd (+https://github.com/kalambet/shortsd)"
	fetchTimeout = 10 * time.Second
	maxBodyBytes = 1 << 20
)

// DetectFormat guesses a feed's format from its URL.
func DetectFormat(url string) Format {
	switch {
	case strings.Contains(url, "official-joke-api"):
		return FormatOfficialJoke
	case strings.Contains(url, "jokeapi.dev"):
		return FormatJokeAPI
	case strings.Contains(url, "icanhazdadjoke"):
		return FormatDadJoke
	default:
		return FormatGeneric
	}
}

// ParseFeed builds a Source from a feed spec: either a bare URL, whose format
// is detected, or "format=URL".
func ParseFeed(spec string, client *http.Client) (Source, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("empty feed spec")
	}
	format, url := Format(""), spec
	if name, rest, ok := strings.Cut(spec, "="); ok && !strings.Contains(name, "/") {
		format, url = Format(name), rest
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("feed %q: URL must be http or https", spec)
	}
	if format == "" {
		format = DetectFormat(url)
	}

	switch format {
	case FormatHTML:
		return NewHTMLFeed(url, client), nil
	case FormatOfficialJoke, FormatJokeAPI, FormatDadJoke, FormatGeneric:
		return NewJSONFeed(url, format, client), nil
	default:
		return nil, fmt.Errorf("feed %q: unknown format %q", spec, format)
	}
}

// ParseFeeds builds sources from a list of feed specs.
func ParseFeeds(specs []string, client *http.Client) ([]Source, error) {
	sources := make([]Source, 0, len(specs))
	for _, spec := range specs {
		src, err := ParseFeed(spec, client)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func get(ctx context.Context, client *http.Client, url, accept string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// JSONFeed fetches one item per request from a JSON joke API.
type JSONFeed struct {
	url    string
	format Format
	client *http.Client
	now    func() time.Time
}

// NewJSONFeed creates a JSONFeed. A nil client uses http.DefaultClient.
func NewJSONFeed(url string, format Format, client *http.Client) *JSONFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &JSONFeed{url: url, format: format, client: client, now: time.Now}
}

func (f *JSONFeed) Name() string { return string(f.format) + ":" + f.url }

// jsonJoke covers the fields used by every supported JSON format.
type jsonJoke struct {
	Type      string `json:"type"`
	Setup     string `json:"setup"`
	Punchline string `json:"punchline"`
	Delivery  string `json:"delivery"`
	Joke      string `json:"joke"`
	Text      string `json:"text"`
	Error     bool   `json:"error"`
}

func (f *JSONFeed) Fetch(ctx context.Context) (ContentItem, error) {
	body, err := get(ctx, f.client, f.url, "application/json")
	if err != nil {
		return ContentItem{}, err
	}
	var j jsonJoke
	if err := json.Unmarshal(body, &j); err != nil {
		return ContentItem{}, fmt.Errorf("decoding response: %w", err)
	}
	if j.Error {
		return ContentItem{}, errors.New("feed reported an error")
	}

	now := f.now()
	name := f.Name()
	switch f.format {
	case FormatOfficialJoke:
		return NewTwoPartItem(j.Setup, j.Punchline, name, now), nil
	case FormatJokeAPI:
		if j.Type == "twopart" {
			return NewTwoPartItem(j.Setup, j.Delivery, name, now), nil
		}
		return NewItem(j.Joke, name, now), nil
	case FormatDadJoke:
		return NewItem(j.Joke, name, now), nil
	default:
		switch {
		case j.Setup != "" && j.Punchline != "":
			return NewTwoPartItem(j.Setup, j.Punchline, name, now), nil
		case j.Joke != "":
			return NewItem(j.Joke, name, now), nil
		default:
			return NewItem(j.Text, name, now), nil
		}
	}
}

// HTMLFeed extracts one item from an HTML page: the first element with class
// "joke", otherwise the first blockquote, otherwise the first long paragraph.
type HTMLFeed struct {
	url    string
	class  string
	client *http.Client
	now    func() time.Time
}

// NewHTMLFeed creates an HTMLFeed. A nil client uses http.DefaultClient.
func NewHTMLFeed(url string, client *http.Client) *HTMLFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTMLFeed{url: url, class: "joke", client: client, now: time.Now}
}

func (f *HTMLFeed) Name() string { return string(FormatHTML) + ":" + f.url }

func (f *HTMLFeed) Fetch(ctx context.Context) (ContentItem, error) {
	body, err := get(ctx, f.client, f.url, "text/html")
	if err != nil {
		return ContentItem{}, err
	}
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return ContentItem{}, fmt.Errorf("parsing html: %w", err)
	}

	matchers := []func(*html.Node) bool{
		func(n *html.Node) bool { return hasClass(n, f.class) },
		func(n *html.Node) bool { return n.DataAtom == atom.Blockquote },
		func(n *html.Node) bool {
			return n.DataAtom == atom.P && len(normalizeSpace(textOf(n))) >= MinTextLength
		},
	}
	for _, match := range matchers {
		if n := findFirst(doc, match); n != nil {
			return NewItem(textOf(n), f.Name(), f.now()), nil
		}
	}
	return ContentItem{}, errors.New("no content found in page")
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
			return
		}
		if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
