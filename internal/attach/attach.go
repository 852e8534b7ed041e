// Package attach downloads and stages message attachments for commit.
package attach

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"

	"github.com/logbookhq/logbook/internal/source"
)

// Downloader fetches one attachment's bytes. source.Adapter satisfies it.
type Downloader interface {
	DownloadAttachment(ctx context.Context, ref source.AttachmentRef) ([]byte, error)
}

// Staged is one downloaded attachment ready for commit.
type Staged struct {
	Ref  source.AttachmentRef
	Hash string // hex sha256 of the content
	Data []byte
}

// Path returns the repository-relative file name for the staged attachment:
// the first 8 hash characters plus the sanitized original name. Content-equal
// uploads under the same name collapse to one file.
func (s Staged) Path() string {
	return "attachments/" + s.Hash[:8] + "-" + sanitize(s.Ref.Filename)
}

// Result holds the outcome of materializing one run's attachments. Failures
// never abort the run: the affected message is committed with a placeholder
// note, and the run is marked partial if that placeholder actually renders.
type Result struct {
	Staged   map[string]Staged // keyed by attachment ID
	Failures map[string]error  // keyed by attachment ID
}

// Failed reports whether any attachment in the run could not be fetched.
func (r Result) Failed() bool { return len(r.Failures) > 0 }

// Materialize downloads every attachment referenced by msgs. Duplicate
// references (the same attachment seen on duplicate messages across pages)
// are fetched once.
func Materialize(ctx context.Context, dl Downloader, msgs []source.RawMessage) Result {
	res := Result{
		Staged:   make(map[string]Staged),
		Failures: make(map[string]error),
	}

	for _, m := range msgs {
		for _, ref := range m.Attachments {
			if _, ok := res.Staged[ref.ID]; ok {
				continue
			}
			if _, ok := res.Failures[ref.ID]; ok {
				continue
			}

			data, err := dl.DownloadAttachment(ctx, ref)
			if err != nil {
				log.Printf("attach: %s (%s): %v", ref.Filename, ref.ID, err)
				res.Failures[ref.ID] = err
				continue
			}

			sum := sha256.Sum256(data)
			res.Staged[ref.ID] = Staged{
				Ref:  ref,
				Hash: hex.EncodeToString(sum[:]),
				Data: data,
			}
		}
	}
	return res
}

// sanitize strips path separators and whitespace from an attachment name so
// it is safe as a single path segment.
func sanitize(name string) string {
	if name == "" {
		return "file"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_", "..", "_")
	return replacer.Replace(name)
}
