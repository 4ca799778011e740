package mention

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/indieweb-listener/internal/logging"
	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// AuditLog appends one line per claim to a writer.
type AuditLog struct {
	mu sync.Mutex
	w  io.Writer
}

// NewAuditLog writes to w.
func NewAuditLog(w io.Writer) *AuditLog {
	return &AuditLog{w: w}
}

// NewFileAuditLog writes to a size-rotated file at path.
func NewFileAuditLog(path string) *AuditLog {
	return NewAuditLog(logging.NewRotatingWriter(path))
}

var lineBreaks = strings.NewReplacer("\r", "", "\n", "")

// Append writes "target=<T> source=<S> vouch=<V>". Line breaks in claim
// values are dropped so each claim stays on one line.
func (a *AuditLog) Append(claim webmention.Claim) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	line := fmt.Sprintf("target=%s source=%s vouch=%s\n",
		lineBreaks.Replace(claim.Target),
		lineBreaks.Replace(claim.Source),
		lineBreaks.Replace(claim.Vouch),
	)
	if _, err := io.WriteString(a.w, line); err != nil {
		return fmt.Errorf("write audit line: %w", err)
	}
	return nil
}

// Close releases the underlying writer when it is closable.
func (a *AuditLog) Close() error {
	if c, ok := a.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
