package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-deploysync/core"
)

const KindGraphQL = "graphql"

// GraphQLAdapter posts {query, variables} documents through an inner
// transport, which is usually a retrying REST adapter.
type GraphQLAdapter struct {
	Endpoint string
	Inner    core.TransportAdapter
}

func NewGraphQLAdapter(endpoint string, inner core.TransportAdapter) *GraphQLAdapter {
	if inner == nil {
		inner = NewRESTAdapter(nil)
	}
	return &GraphQLAdapter{
		Endpoint: strings.TrimSpace(endpoint),
		Inner:    inner,
	}
}

func (*GraphQLAdapter) Kind() string {
	return KindGraphQL
}

func (a *GraphQLAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil || a.Inner == nil {
		return core.TransportResponse{}, misconfigured(KindGraphQL, "transport: graphql adapter requires an inner transport")
	}

	endpoint := strings.TrimSpace(req.URL)
	if endpoint == "" {
		endpoint = a.Endpoint
	}
	if endpoint == "" {
		return core.TransportResponse{}, badRequest(KindGraphQL, nil, "transport: graphql endpoint is required", nil)
	}

	query, ok := readGraphQLQuery(req)
	if !ok {
		return core.TransportResponse{}, badRequest(KindGraphQL, nil, "transport: graphql query is required", map[string]any{"endpoint": endpoint})
	}
	payload := map[string]any{"query": query}
	if operationName := readGraphQLOperationName(req.Metadata); operationName != "" {
		payload["operationName"] = operationName
	}
	if variables, ok := readGraphQLVariables(req.Metadata); ok {
		payload["variables"] = variables
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return core.TransportResponse{}, badRequest(KindGraphQL, err, "transport: marshal graphql payload", map[string]any{"endpoint": endpoint})
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for key, value := range req.Headers {
		headers[key] = value
	}

	response, err := a.Inner.Do(ctx, core.TransportRequest{
		Method:               "POST",
		URL:                  endpoint,
		Headers:              headers,
		Body:                 body,
		Metadata:             req.Metadata,
		Timeout:              req.Timeout,
		MaxResponseBodyBytes: req.MaxResponseBodyBytes,
	})
	if err != nil {
		var rich *goerrors.Error
		if goerrors.As(err, &rich) {
			return core.TransportResponse{}, err
		}
		return core.TransportResponse{}, upstreamFailure(KindGraphQL, err, "transport: graphql request failed", map[string]any{"endpoint": endpoint})
	}
	response.Metadata = ensureMetadata(response.Metadata)
	response.Metadata["kind"] = KindGraphQL
	return response, nil
}

func readGraphQLQuery(req core.TransportRequest) (string, bool) {
	if req.Metadata != nil {
		if query := strings.TrimSpace(fmt.Sprint(req.Metadata["query"])); query != "" && query != "<nil>" {
			return query, true
		}
	}
	if len(req.Body) == 0 {
		return "", false
	}
	query := strings.TrimSpace(string(req.Body))
	if query == "" {
		return "", false
	}
	return query, true
}

func readGraphQLOperationName(metadata map[string]any) string {
	if len(metadata) == 0 {
		return ""
	}
	value := strings.TrimSpace(fmt.Sprint(metadata["operation_name"]))
	if value == "" || value == "<nil>" {
		return ""
	}
	return value
}

func readGraphQLVariables(metadata map[string]any) (map[string]any, bool) {
	if len(metadata) == 0 {
		return nil, false
	}
	value, ok := metadata["variables"]
	if !ok || value == nil {
		return nil, false
	}
	if typed, ok := value.(map[string]any); ok {
		if len(typed) == 0 {
			return map[string]any{}, true
		}
		cloned := make(map[string]any, len(typed))
		for key, item := range typed {
			cloned[key] = item
		}
		return cloned, true
	}
	return nil, false
}

func ensureMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return metadata
}

type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type graphQLEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

// DecodeGraphQLResponse unmarshals the data member of a GraphQL response into
// out. A non-empty errors member is returned as an error even when data is
// present.
func DecodeGraphQLResponse(response core.TransportResponse, out any) error {
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return statusFault(KindGraphQL, response.StatusCode,
			fmt.Sprintf("transport: graphql endpoint returned status %d", response.StatusCode),
			map[string]any{"status_code": response.StatusCode, "body": truncateBody(response.Body)},
		)
	}
	var envelope graphQLEnvelope
	if err := json.Unmarshal(response.Body, &envelope); err != nil {
		return upstreamFailure(KindGraphQL, err, "transport: decode graphql response", nil)
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, item := range envelope.Errors {
			if msg := strings.TrimSpace(item.Message); msg != "" {
				messages = append(messages, msg)
			}
		}
		joined := strings.Join(messages, "; ")
		category := goerrors.CategoryExternal
		if strings.Contains(strings.ToLower(joined), "not found") || strings.Contains(strings.ToLower(joined), "entity not found") {
			category = goerrors.CategoryNotFound
		}
		return fault(KindGraphQL, nil, category, core.HTTPStatus(category), "transport: graphql errors: "+joined,
			map[string]any{"errors": messages})
	}
	if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return upstreamFailure(KindGraphQL, err, "transport: decode graphql data", nil)
	}
	return nil
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}

var _ core.TransportAdapter = (*GraphQLAdapter)(nil)
