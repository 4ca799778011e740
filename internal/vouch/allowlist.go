package vouch

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// AllowList is the durable set of trusted vouch domains, one per line.
// Entries are only ever appended.
type AllowList struct {
	path string
	mu   sync.Mutex
}

// NewAllowList returns an allow-list stored at path. The file is created on first append.
func NewAllowList(path string) *AllowList {
	return &AllowList{path: path}
}

// Path returns the backing file location.
func (a *AllowList) Path() string {
	return a.path
}

// Domains returns every entry, lower-cased, in file order.
func (a *AllowList) Domains() ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.read()
}

// Contains reports whether domain is listed. A missing file is an empty list.
func (a *AllowList) Contains(domain string) (bool, error) {
	key := Normalize(domain)
	if key == "" {
		return false, nil
	}
	domains, err := a.Domains()
	if err != nil {
		return false, err
	}
	for _, d := range domains {
		if d == key {
			return true, nil
		}
	}
	return false, nil
}

// Add appends domain unless it is already present. The line is written with a
// single O_APPEND write while holding the list's mutex.
func (a *AllowList) Add(domain string) error {
	key := Normalize(domain)
	if key == "" {
		return errors.New("empty vouch domain")
	}
	if strings.ContainsAny(key, "\r\n") {
		return fmt.Errorf("vouch domain %q contains a line break", domain)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.read()
	if err != nil {
		return err
	}
	for _, d := range existing {
		if d == key {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0o750); err != nil {
		return fmt.Errorf("create allow-list dir: %w", err)
	}
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open allow-list: %w", err)
	}
	if _, err := f.WriteString(key + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("append allow-list: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close allow-list: %w", err)
	}
	return nil
}

func (a *AllowList) read() ([]string, error) {
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.Open(a.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open allow-list: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	var domains []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if d := Normalize(scanner.Text()); d != "" {
			domains = append(domains, d)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read allow-list: %w", err)
	}
	return domains, nil
}

// Normalize lower-cases and trims a vouch domain.
func Normalize(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
