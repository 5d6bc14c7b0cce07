// Package sidechannel routes a completion message to additional
// destinations beyond the primary recipient: an issue tracker comment,
// a file append, or a CC into another user's inbox.
package sidechannel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/datafund/datacore-messaging/internal/inbox"
)

// IssuePoster posts a comment on an external issue tracker. The default
// implementation shells out to the gh CLI; tests substitute their own.
type IssuePoster interface {
	PostComment(ctx context.Context, issue int, body string) error
}

// GHPoster posts issue comments via the gh command-line tool.
type GHPoster struct{}

// PostComment runs `gh issue comment <n> --body <text>`.
func (GHPoster) PostComment(ctx context.Context, issue int, body string) error {
	cmd := exec.CommandContext(ctx, "gh", "issue", "comment", strconv.Itoa(issue), "--body", body)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gh issue comment: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Meta carries the threading context preserved on CC writes.
type Meta struct {
	Thread  string
	ReplyTo string
}

// Result is the outcome of routing to one destination.
type Result struct {
	Dest    string
	OK      bool
	Summary string
}

// Router fans a message out to side-channel destinations. Destinations
// are evaluated independently; one failing does not prevent the others.
type Router struct {
	store  *inbox.Store
	root   string
	space  string
	author string
	issues IssuePoster
}

// New creates a Router writing as author (typically the agent handle).
func New(store *inbox.Store, root, space, author string) *Router {
	return &Router{store: store, root: root, space: space, author: author, issues: GHPoster{}}
}

// WithIssuePoster overrides the issue tracker collaborator.
func (r *Router) WithIssuePoster(p IssuePoster) *Router {
	r.issues = p
	return r
}

// Route delivers text to a single destination:
//
//	issue:<n>   post a comment on issue n (github:<n> is accepted too)
//	file:<path> append a formatted block to the file
//	@user       CC into that user's inbox, preserving thread/reply_to
func (r *Router) Route(ctx context.Context, dest, text string, meta Meta) Result {
	switch {
	case strings.HasPrefix(dest, "issue:"), strings.HasPrefix(dest, "github:"):
		_, num, _ := strings.Cut(dest, ":")
		n, err := strconv.Atoi(num)
		if err != nil {
			return Result{Dest: dest, Summary: fmt.Sprintf("bad issue number %q", num)}
		}
		if err := r.issues.PostComment(ctx, n, text); err != nil {
			return Result{Dest: dest, Summary: fmt.Sprintf("issue #%d: %v", n, err)}
		}
		return Result{Dest: dest, OK: true, Summary: fmt.Sprintf("posted to issue #%d", n)}

	case strings.HasPrefix(dest, "file:"):
		path := strings.TrimPrefix(dest, "file:")
		full, err := r.appendFile(path, text)
		if err != nil {
			return Result{Dest: dest, Summary: fmt.Sprintf("file %s: %v", path, err)}
		}
		return Result{Dest: dest, OK: true, Summary: "appended to " + full}

	case strings.HasPrefix(dest, "@"):
		cc := strings.TrimPrefix(dest, "@")
		id, err := r.store.Append(inbox.Draft{
			From: r.author, To: cc, Text: text,
			Thread: meta.Thread, ReplyTo: meta.ReplyTo,
		})
		if err != nil {
			return Result{Dest: dest, Summary: fmt.Sprintf("cc @%s: %v", cc, err)}
		}
		return Result{Dest: dest, OK: true, Summary: fmt.Sprintf("cc'd to @%s (id: %s)", cc, id)}

	default:
		return Result{Dest: dest, Summary: "unknown destination"}
	}
}

// RouteAll routes to every destination, collecting one result each.
func (r *Router) RouteAll(ctx context.Context, dests []string, text string, meta Meta) []Result {
	out := make([]Result, 0, len(dests))
	for _, d := range dests {
		out = append(out, r.Route(ctx, d, text, meta))
	}
	return out
}

// appendFile appends a "## <author> (<ts>)" block to path, creating
// parent directories. Relative paths resolve under the default space.
func (r *Router) appendFile(path, text string) (string, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(r.root, r.space, full)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", err
	}

	entry := fmt.Sprintf("\n\n## %s (%s)\n\n%s\n",
		r.author, time.Now().Format("2006-01-02 15:04"), text)

	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return "", err
	}
	return full, nil
}
