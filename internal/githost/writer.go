// Package githost commits normalized archive content to GitHub repositories.
package githost

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/logbookhq/logbook/internal/attach"
	"github.com/logbookhq/logbook/internal/models"
	"github.com/logbookhq/logbook/internal/normalize"
	"golang.org/x/oauth2"
)

// ErrConflict is returned when the branch head moved twice underneath a
// commit attempt. The run is marked partial; the next sweep converges.
var ErrConflict = errors.New("githost: branch moved during commit, retry exhausted")

// gitClient abstracts the Git Data API methods we use, enabling test mocks.
type gitClient interface {
	GetRef(ctx context.Context, owner, repo, ref string) (*github.Reference, *github.Response, error)
	GetCommit(ctx context.Context, owner, repo, sha string) (*github.Commit, *github.Response, error)
	CreateBlob(ctx context.Context, owner, repo string, blob *github.Blob) (*github.Blob, *github.Response, error)
	CreateTree(ctx context.Context, owner, repo, baseTree string, entries []*github.TreeEntry) (*github.Tree, *github.Response, error)
	CreateCommit(ctx context.Context, owner, repo string, commit *github.Commit, opts *github.CreateCommitOptions) (*github.Commit, *github.Response, error)
	UpdateRef(ctx context.Context, owner, repo string, ref *github.Reference, force bool) (*github.Reference, *github.Response, error)
}

// contentClient abstracts repository file reads.
type contentClient interface {
	GetContents(ctx context.Context, owner, repo, path string, opts *github.RepositoryContentGetOptions) (*github.RepositoryContent, []*github.RepositoryContent, *github.Response, error)
}

// Writer turns a normalized document set into at most one commit per run
// using a read-verify-write protocol with a single retry on a stale parent.
type Writer struct {
	git      gitClient
	contents contentClient
	name     string
	email    string
}

// WriterOpts holds parameters for creating a Writer.
type WriterOpts struct {
	Token         string
	CommitterName string
	CommitterMail string
	// For testing: inject mock clients instead of the real GitHub API.
	Git      gitClient
	Contents contentClient
}

// NewWriter creates a Writer. With no injected clients it builds an
// oauth2-authenticated GitHub client from the token.
func NewWriter(opts WriterOpts) (*Writer, error) {
	if opts.Git == nil && opts.Token == "" {
		return nil, fmt.Errorf("githost: token is required")
	}
	w := &Writer{
		git:      opts.Git,
		contents: opts.Contents,
		name:     opts.CommitterName,
		email:    opts.CommitterMail,
	}
	if w.git == nil {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		client := github.NewClient(oauth2.NewClient(context.Background(), ts))
		w.git = client.Git
		w.contents = client.Repositories
	}
	if w.name == "" {
		w.name = "logbook"
	}
	if w.email == "" {
		w.email = "logbook@localhost"
	}
	return w, nil
}

// ChangeSet is one run's worth of content for a single mapping.
type ChangeSet struct {
	Docs        []normalize.Document
	Attachments []attach.Staged
	Message     string // commit message
}

// CommitResult reports what the writer did.
type CommitResult struct {
	Committed bool   // false: rendered content already present, no commit
	SHA       string // new commit SHA when Committed
}

// fileChange is one resolved tree entry: a text document or a binary blob.
type fileChange struct {
	path    string
	content []byte
	binary  bool
}

// Commit applies the change set to the mapping's branch and folder:
//
//  1. read the branch head and the current contents at each target path
//  2. render the new content against what is already there
//  3. no-op if nothing changed (overlapping sweep windows land here)
//  4. otherwise create blobs, a tree, and a commit with the previously read
//     head as its sole parent, then fast-forward the ref
//  5. if the ref moved since step 1, re-read and retry the whole protocol
//     once; a second failure surfaces ErrConflict
//
// The ref update is all-or-nothing at the API level, so a cancelled or
// failed run never leaves a partial commit behind.
func (w *Writer) Commit(ctx context.Context, m *models.ChannelMapping, cs ChangeSet) (CommitResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := w.tryCommit(ctx, m, cs)
		if err == nil {
			return res, nil
		}
		if isStaleRef(err) {
			if attempt == 0 {
				continue
			}
			return CommitResult{}, ErrConflict
		}
		return CommitResult{}, err
	}
	return CommitResult{}, ErrConflict // unreachable
}

func (w *Writer) tryCommit(ctx context.Context, m *models.ChannelMapping, cs ChangeSet) (CommitResult, error) {
	owner, repo := m.RepoOwner, m.RepoName
	refName := "refs/heads/" + m.Branch

	headRef, _, err := w.git.GetRef(ctx, owner, repo, refName)
	if err != nil {
		return CommitResult{}, fmt.Errorf("githost: get ref %s: %w", refName, err)
	}
	headSHA := headRef.GetObject().GetSHA()

	changes, err := w.resolveChanges(ctx, m, cs, headSHA)
	if err != nil {
		return CommitResult{}, err
	}
	if len(changes) == 0 {
		return CommitResult{Committed: false}, nil
	}

	headCommit, _, err := w.git.GetCommit(ctx, owner, repo, headSHA)
	if err != nil {
		return CommitResult{}, fmt.Errorf("githost: get commit %s: %w", headSHA, err)
	}

	entries, err := w.createBlobs(ctx, owner, repo, changes)
	if err != nil {
		return CommitResult{}, err
	}

	tree, _, err := w.git.CreateTree(ctx, owner, repo, headCommit.GetTree().GetSHA(), entries)
	if err != nil {
		return CommitResult{}, fmt.Errorf("githost: create tree: %w", err)
	}

	author := &github.CommitAuthor{
		Name:  github.Ptr(w.name),
		Email: github.Ptr(w.email),
		Date:  &github.Timestamp{Time: time.Now().UTC()},
	}
	commit, _, err := w.git.CreateCommit(ctx, owner, repo, &github.Commit{
		Message:   github.Ptr(cs.Message),
		Tree:      tree,
		Parents:   []*github.Commit{{SHA: github.Ptr(headSHA)}},
		Author:    author,
		Committer: author,
	}, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("githost: create commit: %w", err)
	}

	// Non-force update: fails if the branch no longer points at headSHA,
	// which is exactly the stale-parent signal the retry keys off.
	_, _, err = w.git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.Ptr(refName),
		Object: &github.GitObject{SHA: commit.SHA},
	}, false)
	if err != nil {
		return CommitResult{}, fmt.Errorf("githost: update ref %s: %w", refName, err)
	}

	return CommitResult{Committed: true, SHA: commit.GetSHA()}, nil
}

// resolveChanges reads current contents at headSHA and computes which files
// actually change. Documents merge against what is already committed;
// attachments are skipped when an identical blob is already present.
func (w *Writer) resolveChanges(ctx context.Context, m *models.ChannelMapping, cs ChangeSet, headSHA string) ([]fileChange, error) {
	var changes []fileChange

	for _, doc := range cs.Docs {
		target := path.Join(m.Folder, doc.Path)
		existing, _, err := w.readFile(ctx, m.RepoOwner, m.RepoName, target, headSHA)
		if err != nil {
			return nil, err
		}
		content, changed := doc.Render(existing)
		if !changed {
			continue
		}
		changes = append(changes, fileChange{path: target, content: []byte(content)})
	}

	for _, staged := range cs.Attachments {
		target := path.Join(m.Folder, staged.Path())
		_, sha, err := w.readFile(ctx, m.RepoOwner, m.RepoName, target, headSHA)
		if err != nil {
			return nil, err
		}
		if sha == gitBlobSHA(staged.Data) {
			continue // identical content already committed
		}
		changes = append(changes, fileChange{path: target, content: staged.Data, binary: true})
	}

	return changes, nil
}

// readFile fetches one file's content and blob SHA at a commit. A missing
// path returns empty values, not an error.
func (w *Writer) readFile(ctx context.Context, owner, repo, filePath, ref string) (string, string, error) {
	fc, _, resp, err := w.contents.GetContents(ctx, owner, repo, filePath, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return "", "", nil
		}
		return "", "", fmt.Errorf("githost: read %s: %w", filePath, err)
	}
	if fc == nil {
		// Path resolved to a directory; treat as absent.
		return "", "", nil
	}
	content, err := fc.GetContent()
	if err != nil {
		return "", "", fmt.Errorf("githost: decode %s: %w", filePath, err)
	}
	return content, fc.GetSHA(), nil
}

// createBlobs uploads each change as a blob and returns the tree entries.
func (w *Writer) createBlobs(ctx context.Context, owner, repo string, changes []fileChange) ([]*github.TreeEntry, error) {
	entries := make([]*github.TreeEntry, 0, len(changes))
	for _, ch := range changes {
		blob := &github.Blob{}
		if ch.binary {
			blob.Content = github.Ptr(base64.StdEncoding.EncodeToString(ch.content))
			blob.Encoding = github.Ptr("base64")
		} else {
			blob.Content = github.Ptr(string(ch.content))
			blob.Encoding = github.Ptr("utf-8")
		}
		created, _, err := w.git.CreateBlob(ctx, owner, repo, blob)
		if err != nil {
			return nil, fmt.Errorf("githost: create blob %s: %w", ch.path, err)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.Ptr(ch.path),
			Mode: github.Ptr("100644"),
			Type: github.Ptr("blob"),
			SHA:  created.SHA,
		})
	}
	return entries, nil
}

// isStaleRef reports whether an error is the non-fast-forward rejection from
// a ref update (HTTP 422).
func isStaleRef(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode == 422 || ghErr.Response.StatusCode == 409
	}
	return false
}

// gitBlobSHA computes the git object id of a blob, letting the writer skip
// attachment uploads whose bytes are already committed.
func gitBlobSHA(data []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(data))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
