package mention

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// Snippet file extensions, chosen by Record.Vouched.
const (
	ExtVouched    = ".mention"
	ExtNotVouched = ".mention_notvouched"
)

const maxSeqAttempts = 1000

var noteTemplate = template.Must(template.New("note").Parse(
	`<span id="{{.URL}}"><p class="byline h-entry" role="note"> <a href="{{.URL}}">{{.Name}}</a> <time datetime="{{.Date}}">{{.Date}}</time></p></span>` + "\n",
))

type note struct {
	URL  string
	Name string
	Date string
}

// FileSnippets writes numbered snippet files under the site's content tree.
// The directory and slug mirror the target's path below the site base URL.
type FileSnippets struct {
	contentPath string
	basePath    string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileSnippets roots snippets at contentPath. siteBaseURL is the URL the
// content tree is published under.
func NewFileSnippets(contentPath, siteBaseURL string) (*FileSnippets, error) {
	base, err := url.Parse(siteBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse site base url: %w", err)
	}
	return &FileSnippets{
		contentPath: contentPath,
		basePath:    strings.TrimSuffix(webmention.CleanPath(base.Path), "/"),
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// Location returns the directory and slug snippets for target are written under.
func (s *FileSnippets) Location(target string) (string, string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", fmt.Errorf("parse target: %w", err)
	}
	p := webmention.CleanPath(u.Path)
	if s.basePath != "" && p != s.basePath && !strings.HasPrefix(p, s.basePath+"/") {
		return "", "", webmention.ErrOutsideSite
	}
	rel := strings.Trim(strings.TrimPrefix(p, s.basePath), "/")
	if rel == "" {
		return s.contentPath, "index", nil
	}
	dir, file := path.Split(rel)
	slug := strings.TrimSuffix(file, path.Ext(file))
	if slug == "" {
		slug = file
	}
	return filepath.Join(s.contentPath, filepath.FromSlash(dir)), slug, nil
}

// WriteSnippet renders record and stores it as the next numbered file for its target.
// Existing snippets are never overwritten.
func (s *FileSnippets) WriteSnippet(_ context.Context, record webmention.Record) (string, error) {
	dir, slug, err := s.Location(record.Target)
	if err != nil {
		return "", err
	}
	ext := ExtNotVouched
	if record.Vouched {
		ext = ExtVouched
	}

	var buf bytes.Buffer
	name := record.HCardName
	if name == "" {
		name = record.Source
	}
	if err := noteTemplate.Execute(&buf, note{URL: record.Source, Name: name, Date: record.ReceivedAt}); err != nil {
		return "", fmt.Errorf("render snippet: %w", err)
	}

	lock := s.dirLock(dir)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snippet dir: %w", err)
	}
	seq, err := nextSeq(dir, slug)
	if err != nil {
		return "", err
	}
	for attempt := 0; attempt < maxSeqAttempts; attempt++ {
		p := filepath.Join(dir, fmt.Sprintf("%s.%03d%s", slug, seq, ext))
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			seq++
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create snippet: %w", err)
		}
		if _, err := f.Write(buf.Bytes()); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("write snippet: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close snippet: %w", err)
		}
		return p, nil
	}
	return "", fmt.Errorf("no free snippet sequence for %s in %s", slug, dir)
}

func (s *FileSnippets) dirLock(dir string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		s.locks[dir] = l
	}
	return l
}

// nextSeq returns one past the highest sequence used by slug in dir, across
// both extensions. The first snippet is 001.
func nextSeq(dir, slug string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read snippet dir: %w", err)
	}
	highest := 0
	for _, e := range entries {
		rest, ok := strings.CutPrefix(e.Name(), slug+".")
		if !ok {
			continue
		}
		num, ext, ok := strings.Cut(rest, ".")
		if !ok || (ext != ExtVouched[1:] && ext != ExtNotVouched[1:]) {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}
