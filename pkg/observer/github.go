package observer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/burrowlabs/burrow/pkg/types"
)

// GitHubPRSource lists open pull requests through the gh CLI. Using the
// CLI instead of the REST API keeps auth out of scope: gh carries its
// own token store and respects GH_HOST for enterprise installs.
type GitHubPRSource struct {
	// Repo in owner/name form. Empty means the repo inferred from the
	// working directory's git remote.
	Repo string
}

func (g *GitHubPRSource) ID() string { return "pr" }

type ghAuthor struct {
	Login string `json:"login"`
	IsBot bool   `json:"is_bot"`
}

type ghPull struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Author ghAuthor `json:"author"`
	URL    string   `json:"url"`
	Body   string   `json:"body"`
}

func (g *GitHubPRSource) Poll(ctx context.Context) ([]Item, error) {
	args := []string{"pr", "list", "--state", "open", "--limit", "200",
		"--json", "number,title,author,url,body"}
	if g.Repo != "" {
		args = append(args, "--repo", g.Repo)
	}

	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			err = fmt.Errorf("gh pr list: %s", strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, types.E(types.ErrDependencyMissing, "observer.github", g.Repo, err)
	}

	var pulls []ghPull
	if err := json.Unmarshal(out, &pulls); err != nil {
		return nil, types.E(types.ErrSchemaInvalid, "observer.github", g.Repo, err)
	}

	items := make([]Item, 0, len(pulls))
	for _, pr := range pulls {
		items = append(items, Item{
			ID:     pr.Number,
			Title:  pr.Title,
			Author: pr.Author.Login,
			Bot:    pr.Author.IsBot || strings.HasSuffix(pr.Author.Login, "[bot]"),
			URL:    pr.URL,
			Body:   pr.Body,
		})
	}
	return items, nil
}
