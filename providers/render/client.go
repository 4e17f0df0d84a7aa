package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/providers"
)

const (
	ProviderID     = "render"
	DefaultBaseURL = "https://api.render.com/v1"

	servicesPageSize = 100
	maxServicePages  = 50
)

type Config struct {
	APIKey  string
	BaseURL string
	OwnerID string
}

func ConfigFrom(cfg core.PlatformConfig) Config {
	return Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, OwnerID: cfg.OwnerID}
}

// Client reads services and deploys from the Render REST API.
type Client struct {
	cfg       Config
	transport core.TransportAdapter
}

func New(cfg Config, transport core.TransportAdapter) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIKey == "" {
		return nil, core.NewError("render: api key is required", goerrors.CategoryBadInput, nil)
	}
	if transport == nil {
		return nil, core.NewError("render: transport is required", goerrors.CategoryInternal, nil)
	}
	return &Client{cfg: cfg, transport: transport}, nil
}

type serviceRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	OwnerID string `json:"ownerId"`
	Repo    string `json:"repo"`
	Branch  string `json:"branch"`
}

type deployRecord struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Commit *struct {
		ID        string    `json:"id"`
		Message   string    `json:"message"`
		CreatedAt time.Time `json:"createdAt"`
	} `json:"commit"`
	CreatedAt  time.Time  `json:"createdAt"`
	FinishedAt *time.Time `json:"finishedAt"`
}

// ListServices pages through every service visible to the key, narrowed to
// the configured owner.
func (c *Client) ListServices(ctx context.Context) ([]core.Service, error) {
	services := []core.Service{}
	cursor := ""
	for range maxServicePages {
		query := map[string]string{"limit": strconv.Itoa(servicesPageSize)}
		if c.cfg.OwnerID != "" {
			query["ownerId"] = c.cfg.OwnerID
		}
		if cursor != "" {
			query["cursor"] = cursor
		}
		body, err := c.get(ctx, "list_services", "/services", query)
		if err != nil {
			return nil, err
		}
		items, next, err := decodeList(body, "service")
		if err != nil {
			return nil, err
		}
		for _, raw := range items {
			var record serviceRecord
			if err := json.Unmarshal(raw, &record); err != nil {
				return nil, envelopeError("service", err)
			}
			services = append(services, record.toDomain())
		}
		if next == "" || next == cursor || len(items) < servicesPageSize {
			break
		}
		cursor = next
	}
	return services, nil
}

func (c *Client) GetService(ctx context.Context, serviceID string) (core.Service, error) {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return core.Service{}, core.NewError("render: service id is required", goerrors.CategoryBadInput, nil)
	}
	body, err := c.get(ctx, "get_service", "/services/"+url.PathEscape(serviceID), nil)
	if err != nil {
		return core.Service{}, err
	}
	raw, err := decodeObject(body, "service")
	if err != nil {
		return core.Service{}, err
	}
	var record serviceRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return core.Service{}, envelopeError("service", err)
	}
	if record.ID == "" {
		return core.Service{}, envelopeError("service", nil)
	}
	return record.toDomain(), nil
}

// ListDeploys returns the most recent deploys first, as the API orders them.
func (c *Client) ListDeploys(ctx context.Context, serviceID string, limit int) ([]core.Deploy, error) {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return nil, core.NewError("render: service id is required", goerrors.CategoryBadInput, nil)
	}
	if limit <= 0 {
		limit = 20
	}
	body, err := c.get(ctx, "list_deploys", "/services/"+url.PathEscape(serviceID)+"/deploys", map[string]string{
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}
	items, _, err := decodeList(body, "deploy")
	if err != nil {
		return nil, err
	}
	deploys := make([]core.Deploy, 0, len(items))
	for _, raw := range items {
		var record deployRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, envelopeError("deploy", err)
		}
		deploys = append(deploys, record.toDomain())
	}
	return deploys, nil
}

func (c *Client) get(ctx context.Context, operation string, path string, query map[string]string) ([]byte, error) {
	res, err := c.transport.Do(ctx, core.TransportRequest{
		Method: http.MethodGet,
		URL:    c.cfg.BaseURL + path,
		Query:  query,
		Headers: map[string]string{
			"Accept":        "application/json",
			"Authorization": "Bearer " + c.cfg.APIKey,
		},
		Metadata: map[string]any{"operation": operation},
	})
	if err != nil {
		return nil, providers.CallError(ProviderID, operation, err)
	}
	if !providers.Success(res.StatusCode) {
		return nil, providers.StatusError(ProviderID, operation, res)
	}
	return res.Body, nil
}

func (r serviceRecord) toDomain() core.Service {
	return core.Service{
		ID:            strings.TrimSpace(r.ID),
		Name:          strings.TrimSpace(r.Name),
		RepositoryURL: strings.TrimSpace(r.Repo),
		Branch:        strings.TrimSpace(r.Branch),
		OwnerID:       strings.TrimSpace(r.OwnerID),
	}
}

func (r deployRecord) toDomain() core.Deploy {
	deploy := core.Deploy{
		ID:         strings.TrimSpace(r.ID),
		Status:     strings.TrimSpace(r.Status),
		CreatedAt:  r.CreatedAt,
		FinishedAt: r.FinishedAt,
	}
	if r.Commit != nil {
		deploy.Commit = &core.DeployCommit{
			ID:        strings.TrimSpace(r.Commit.ID),
			Message:   r.Commit.Message,
			CreatedAt: r.Commit.CreatedAt,
		}
	}
	return deploy
}

var _ core.DeployPlatform = (*Client)(nil)
