package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/providers"
	"github.com/goliatone/go-deploysync/ratelimit"
	"github.com/goliatone/go-deploysync/retry"
)

const (
	ProviderID       = "github"
	DefaultBaseURL   = "https://api.github.com"
	DefaultUserAgent = "go-deploysync"
)

var repositoryPattern = regexp.MustCompile(`github\.com[/:]([\w-]+)/([\w.-]+?)(?:\.git)?$`)

type Config struct {
	Token     string
	BaseURL   string
	UserAgent string
}

func ConfigFrom(cfg core.GitHostConfig) Config {
	return Config{Token: cfg.Token, BaseURL: cfg.BaseURL, UserAgent: cfg.UserAgent}
}

// Client compares commits through the GitHub REST API. The token is optional;
// without one the unauthenticated quota applies.
type Client struct {
	cfg       Config
	transport core.TransportAdapter
}

func New(cfg Config, transport core.TransportAdapter) (*Client, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if transport == nil {
		return nil, core.NewError("github: transport is required", goerrors.CategoryInternal, nil)
	}
	return &Client{cfg: cfg, transport: transport}, nil
}

// ParseRepositoryURL accepts https and ssh GitHub URLs, with or without .git.
func (c *Client) ParseRepositoryURL(raw string) (core.RepositoryRef, bool) {
	return ParseRepositoryURL(raw)
}

func ParseRepositoryURL(raw string) (core.RepositoryRef, bool) {
	match := repositoryPattern.FindStringSubmatch(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if len(match) != 3 || match[1] == "" || match[2] == "" {
		return core.RepositoryRef{}, false
	}
	return core.RepositoryRef{Owner: match[1], Name: match[2]}, true
}

type compareResponse struct {
	Commits []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
		} `json:"commit"`
		Author *struct {
			Login string `json:"login"`
		} `json:"author"`
	} `json:"commits"`
}

// CompareCommits lists the commits in base...head in the order GitHub returns
// them. Messages are cut to their first line and empty ones are dropped. A
// 404, or a 403/429 without a token, is an inaccessible result. Without a
// token a locally throttled bucket is inaccessible too.
func (c *Client) CompareCommits(ctx context.Context, repo core.RepositoryRef, base string, head string) (core.CompareResult, error) {
	base = strings.TrimSpace(base)
	head = strings.TrimSpace(head)
	if repo.Owner == "" || repo.Name == "" || base == "" || head == "" {
		return core.CompareResult{}, core.NewError("github: repository, base and head are required", goerrors.CategoryBadInput, nil)
	}
	endpoint := c.cfg.BaseURL + "/repos/" + url.PathEscape(repo.Owner) + "/" + url.PathEscape(repo.Name) +
		"/compare/" + url.PathEscape(base) + "..." + url.PathEscape(head)
	headers := map[string]string{
		"Accept":     "application/vnd.github.v3+json",
		"User-Agent": c.cfg.UserAgent,
	}
	if c.cfg.Token != "" {
		headers["Authorization"] = "Bearer " + c.cfg.Token
	}

	res, err := c.transport.Do(ctx, core.TransportRequest{
		Method:   http.MethodGet,
		URL:      endpoint,
		Headers:  headers,
		Metadata: map[string]any{"operation": "compare", "repository": repo.FullName()},
	})
	if err != nil {
		if status := retry.StatusCode(err); c.inaccessible(status) {
			return core.CompareResult{Accessible: false, StatusCode: status}, nil
		}
		var throttled ratelimit.ThrottledError
		if errors.As(err, &throttled) && c.inaccessible(http.StatusTooManyRequests) {
			return core.CompareResult{Accessible: false, StatusCode: http.StatusTooManyRequests}, nil
		}
		return core.CompareResult{}, providers.CallError(ProviderID, "compare", err)
	}
	if c.inaccessible(res.StatusCode) {
		return core.CompareResult{Accessible: false, StatusCode: res.StatusCode}, nil
	}
	if !providers.Success(res.StatusCode) {
		return core.CompareResult{}, providers.StatusError(ProviderID, "compare", res)
	}

	var payload compareResponse
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return core.CompareResult{}, core.WrapError(err, goerrors.CategoryExternal, "github: decode compare response", map[string]any{
			"repository": repo.FullName(),
		})
	}
	commits := make([]core.Commit, 0, len(payload.Commits))
	for _, item := range payload.Commits {
		message := firstLine(item.Commit.Message)
		if message == "" {
			continue
		}
		commit := core.Commit{SHA: item.SHA, Message: message}
		if item.Author != nil {
			commit.AuthorHandle = strings.TrimSpace(item.Author.Login)
		}
		commits = append(commits, commit)
	}
	return core.CompareResult{Commits: commits, Accessible: true, StatusCode: res.StatusCode}, nil
}

func (c *Client) inaccessible(status int) bool {
	switch status {
	case http.StatusNotFound:
		return true
	case http.StatusForbidden, http.StatusTooManyRequests:
		return c.cfg.Token == ""
	}
	return false
}

func firstLine(message string) string {
	title, _, _ := strings.Cut(message, "\n")
	title = strings.TrimSpace(title)
	if title == "" {
		return strings.TrimSpace(message)
	}
	return title
}

var _ core.GitHost = (*Client)(nil)
