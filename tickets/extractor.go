// Package tickets finds issue identifiers in commit messages.
package tickets

import (
	"regexp"
	"sort"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deploysync/core"
)

var prefixPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)

// Extractor matches identifiers such as HQ-12 for a fixed prefix set,
// case-insensitively.
type Extractor struct {
	prefixes []string
	pattern  *regexp.Regexp
}

func NewExtractor(prefixes []string) (*Extractor, error) {
	cleaned := make([]string, 0, len(prefixes))
	seen := map[string]struct{}{}
	for _, prefix := range prefixes {
		prefix = strings.ToUpper(strings.TrimSpace(prefix))
		if prefix == "" {
			continue
		}
		if !prefixPattern.MatchString(prefix) {
			return nil, core.NewError("tickets: invalid ticket prefix "+prefix, goerrors.CategoryValidation, map[string]any{
				"prefix": prefix,
			})
		}
		if _, ok := seen[prefix]; ok {
			continue
		}
		seen[prefix] = struct{}{}
		cleaned = append(cleaned, regexp.QuoteMeta(prefix))
	}
	if len(cleaned) == 0 {
		return nil, core.NewError("tickets: at least one ticket prefix is required", goerrors.CategoryValidation, nil)
	}
	pattern, err := regexp.Compile(`(?i)\b(?:` + strings.Join(cleaned, "|") + `)-\d+`)
	if err != nil {
		return nil, core.WrapError(err, goerrors.CategoryValidation, "tickets: compile ticket pattern", nil)
	}
	return &Extractor{prefixes: cleaned, pattern: pattern}, nil
}

func (e *Extractor) Prefixes() []string {
	return append([]string(nil), e.prefixes...)
}

// ExtractFromMessage returns the uppercase identifiers in first-seen order.
func (e *Extractor) ExtractFromMessage(message string) []string {
	matches := e.pattern.FindAllString(message, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, match := range matches {
		ticket := strings.ToUpper(match)
		if _, ok := seen[ticket]; ok {
			continue
		}
		seen[ticket] = struct{}{}
		out = append(out, ticket)
	}
	return out
}

// Extraction is the result of scanning a commit range.
type Extraction struct {
	Tickets []string
	Authors map[string][]string
	// Commits are the commits that referenced at least one ticket.
	Commits []core.Commit
}

// ExtractFromCommits scans commits in order. Authors holds the sorted unique
// handles per ticket; commits without a handle contribute none.
func (e *Extractor) ExtractFromCommits(commits []core.Commit) Extraction {
	result := Extraction{Authors: map[string][]string{}}
	seen := map[string]struct{}{}
	authors := map[string]map[string]struct{}{}
	for _, commit := range commits {
		found := e.ExtractFromMessage(commit.Message)
		if len(found) == 0 {
			continue
		}
		result.Commits = append(result.Commits, commit)
		handle := strings.TrimSpace(commit.AuthorHandle)
		for _, ticket := range found {
			if _, ok := seen[ticket]; !ok {
				seen[ticket] = struct{}{}
				result.Tickets = append(result.Tickets, ticket)
			}
			if handle == "" {
				continue
			}
			if authors[ticket] == nil {
				authors[ticket] = map[string]struct{}{}
			}
			authors[ticket][handle] = struct{}{}
		}
	}
	for ticket, handles := range authors {
		list := make([]string, 0, len(handles))
		for handle := range handles {
			list = append(list, handle)
		}
		sort.Strings(list)
		result.Authors[ticket] = list
	}
	return result
}
