package source

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"gopkg.in/yaml.v3"
)

// PoolSourceName is the SourceName of items drawn from a fallback pool.
const PoolSourceName = "fallback"

// PoolEntry is one joke in a fallback pool.
type PoolEntry struct {
	Setup     string `yaml:"setup"`
	Punchline string `yaml:"punchline"`
	Joke      string `yaml:"joke"`
}

func (e PoolEntry) item(now time.Time) ContentItem {
	if e.Setup != "" && e.Punchline != "" {
		return NewTwoPartItem(e.Setup, e.Punchline, PoolSourceName, now)
	}
	return NewItem(e.Joke, PoolSourceName, now)
}

// Pool is a local set of jokes used when every remote source fails.
type Pool struct {
	entries []PoolEntry
}

// NewPool creates a pool from entries, dropping those that would fail
// validation.
func NewPool(entries []PoolEntry) *Pool {
	p := &Pool{}
	for _, e := range entries {
		if validate(e.item(time.Time{})) == nil {
			p.entries = append(p.entries, e)
		}
	}
	return p
}

// Len returns the number of usable entries. A nil pool is empty.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

func (p *Pool) pick(intn func(int) int, now time.Time) ContentItem {
	return p.entries[intn(len(p.entries))].item(now)
}

// DefaultPool returns the built-in fallback jokes.
func DefaultPool() *Pool {
	return NewPool([]PoolEntry{
		{Setup: "Why don't scientists trust atoms?", Punchline: "Because they make up everything!"},
		{Setup: "What do you call a fake noodle?", Punchline: "An impasta!"},
		{Setup: "Why did the scarecrow win an award?", Punchline: "Because he was outstanding in his field!"},
		{Setup: "What do you call a bear with no teeth?", Punchline: "A gummy bear!"},
		{Setup: "Why don't eggs tell jokes?", Punchline: "They'd crack each other up!"},
		{Joke: "I told my wife she was drawing her eyebrows too high. She looked surprised."},
		{Joke: "I invented a new word: Plagiarism!"},
		{Joke: "Why do programmers prefer dark mode? Because light attracts bugs!"},
	})
}

// LoadPool reads a fallback pool from a file. The format follows the
// extension: .yaml/.yml holds a list of entries, .txt holds one joke per line
// (blank lines and lines starting with # are skipped), and .pdf is read as
// plain text with one joke per line.
func LoadPool(path string) (*Pool, error) {
	var (
		entries []PoolEntry
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		entries, err = loadYAML(path)
	case ".txt":
		entries, err = loadText(path)
	case ".pdf":
		entries, err = loadPDF(path)
	default:
		return nil, fmt.Errorf("unsupported fallback file %q: want .yaml, .txt or .pdf", path)
	}
	if err != nil {
		return nil, fmt.Errorf("loading fallback pool %s: %w", path, err)
	}
	return NewPool(entries), nil
}

func loadYAML(path string) ([]PoolEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []PoolEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}
	return entries, nil
}

func loadText(path string) ([]PoolEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return scanLines(f)
}

func loadPDF(path string) ([]PoolEntry, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	text, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extracting text: %w", err)
	}
	return scanLines(text)
}

func scanLines(r io.Reader) ([]PoolEntry, error) {
	var entries []PoolEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, PoolEntry{Joke: line})
	}
	return entries, sc.Err()
}
