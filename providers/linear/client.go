package linear

import (
	"context"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/providers"
	"github.com/goliatone/go-deploysync/transport"
)

const (
	ProviderID      = "linear"
	DefaultEndpoint = "https://api.linear.app/graphql"
	APIKeyPrefix    = "lin_api_"

	statesPageSize = 250
	maxStatePages  = 20
)

type Config struct {
	APIKey   string
	Endpoint string
}

func ConfigFrom(cfg core.TrackerConfig) Config {
	return Config{APIKey: cfg.APIKey, Endpoint: cfg.Endpoint}
}

// LooksLikeAPIKey reports whether key carries the personal API key prefix.
// OAuth tokens do not, so a mismatch is only worth a warning.
func LooksLikeAPIKey(key string) bool {
	return strings.HasPrefix(strings.TrimSpace(key), APIKeyPrefix)
}

// Client talks to the Linear GraphQL API.
type Client struct {
	cfg     Config
	graphql *transport.GraphQLAdapter
}

func New(cfg Config, inner core.TransportAdapter) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.APIKey == "" {
		return nil, core.NewError("linear: api key is required", goerrors.CategoryBadInput, nil)
	}
	if inner == nil {
		return nil, core.NewError("linear: transport is required", goerrors.CategoryInternal, nil)
	}
	return &Client{cfg: cfg, graphql: transport.NewGraphQLAdapter(cfg.Endpoint, inner)}, nil
}

type teamNode struct {
	ID string `json:"id"`
}

type stateNode struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Type string    `json:"type"`
	Team *teamNode `json:"team"`
}

type issueNode struct {
	ID         string     `json:"id"`
	Identifier string     `json:"identifier"`
	Title      string     `json:"title"`
	Team       *teamNode  `json:"team"`
	State      *stateNode `json:"state"`
}

// GetIssue looks an issue up by identifier (HQ-12) or id.
func (c *Client) GetIssue(ctx context.Context, identifier string) (core.Issue, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return core.Issue{}, core.NewError("linear: issue identifier is required", goerrors.CategoryBadInput, nil)
	}
	var data struct {
		Issue *issueNode `json:"issue"`
	}
	if err := c.do(ctx, "get_issue", issueQuery, map[string]any{"id": identifier}, &data); err != nil {
		return core.Issue{}, err
	}
	if data.Issue == nil {
		return core.Issue{}, core.NewError("linear: issue "+identifier+" not found", goerrors.CategoryNotFound, map[string]any{
			"identifier": identifier,
		})
	}
	return data.Issue.toDomain(), nil
}

// ListWorkflowStates returns every state across teams.
func (c *Client) ListWorkflowStates(ctx context.Context) ([]core.WorkflowState, error) {
	states := []core.WorkflowState{}
	var after any
	for range maxStatePages {
		var data struct {
			WorkflowStates struct {
				Nodes    []stateNode `json:"nodes"`
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
			} `json:"workflowStates"`
		}
		variables := map[string]any{"first": statesPageSize, "after": after}
		if err := c.do(ctx, "list_workflow_states", workflowStatesQuery, variables, &data); err != nil {
			return nil, err
		}
		for _, node := range data.WorkflowStates.Nodes {
			states = append(states, node.toDomain())
		}
		page := data.WorkflowStates.PageInfo
		if !page.HasNextPage || page.EndCursor == "" {
			break
		}
		after = page.EndCursor
	}
	return states, nil
}

func (c *Client) UpdateIssueState(ctx context.Context, issueID string, stateID string) (core.Issue, error) {
	issueID = strings.TrimSpace(issueID)
	stateID = strings.TrimSpace(stateID)
	if issueID == "" || stateID == "" {
		return core.Issue{}, core.NewError("linear: issue id and state id are required", goerrors.CategoryBadInput, nil)
	}
	var data struct {
		IssueUpdate struct {
			Success bool       `json:"success"`
			Issue   *issueNode `json:"issue"`
		} `json:"issueUpdate"`
	}
	if err := c.do(ctx, "update_issue_state", issueUpdateMutation, map[string]any{"id": issueID, "stateId": stateID}, &data); err != nil {
		return core.Issue{}, err
	}
	if !data.IssueUpdate.Success {
		return core.Issue{}, core.NewError("linear: issue update was not applied", goerrors.CategoryOperation, map[string]any{
			"issue_id": issueID,
			"state_id": stateID,
		})
	}
	if data.IssueUpdate.Issue == nil {
		return core.Issue{ID: issueID, State: core.WorkflowState{ID: stateID}}, nil
	}
	return data.IssueUpdate.Issue.toDomain(), nil
}

func (c *Client) do(ctx context.Context, operation string, query string, variables map[string]any, out any) error {
	res, err := c.graphql.Do(ctx, core.TransportRequest{
		Headers: map[string]string{"Authorization": c.cfg.APIKey},
		Metadata: map[string]any{
			"query":     query,
			"variables": variables,
			"operation": operation,
		},
	})
	if err != nil {
		return providers.CallError(ProviderID, operation, err)
	}
	return transport.DecodeGraphQLResponse(res, out)
}

func (n issueNode) toDomain() core.Issue {
	issue := core.Issue{
		ID:         n.ID,
		Identifier: n.Identifier,
		Title:      n.Title,
	}
	if n.Team != nil {
		issue.TeamID = n.Team.ID
	}
	if n.State != nil {
		issue.State = n.State.toDomain()
		if issue.State.TeamID == "" {
			issue.State.TeamID = issue.TeamID
		}
	}
	return issue
}

func (n stateNode) toDomain() core.WorkflowState {
	state := core.WorkflowState{ID: n.ID, Name: n.Name, Type: n.Type}
	if n.Team != nil {
		state.TeamID = n.Team.ID
	}
	return state
}

var _ core.IssueTracker = (*Client)(nil)
