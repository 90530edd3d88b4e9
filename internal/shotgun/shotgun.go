// Package shotgun provides the client boundary to the remote tracking
// system. The path cache consumes the Client interface; the concrete HTTP
// implementation speaks the server's JSON API endpoint.
//
// The client is deliberately thin: no retries, no caching. Callers decide
// how to react to remote failures.
package shotgun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Entity types and event types the path cache deals in.
const (
	EntityFilesystemLocation = "FilesystemLocation"
	EntityEventLogEntry      = "EventLogEntry"

	EventFoldersCreate = "Toolkit_Folders_Create"
	EventFoldersDelete = "Toolkit_Folders_Delete"
)

// Entity identifies a record in the tracking system, for example a Shot,
// Task or Project. Name is informational; identity is (Type, ID).
type Entity struct {
	Type string
	ID   int
	Name string
}

func (e Entity) String() string {
	return fmt.Sprintf("%s %d (%s)", e.Type, e.ID, e.Name)
}

// Filter is one condition in a find query: field, relation, value.
// Relations follow the server's API ("is", "greater_than", "in", ...).
type Filter struct {
	Field    string
	Relation string
	Value    any
}

// Order is a sort directive for find queries.
type Order struct {
	Field     string
	Direction string // "asc" or "desc"
}

// BatchRequest is one operation in an atomic batch call.
type BatchRequest struct {
	RequestType string // "create", "update" or "delete"
	EntityType  string
	EntityID    int            // for update/delete
	Data        map[string]any // for create/update
}

// Client is the surface of the remote tracking system consumed by the
// path cache. Record fields come back as generic maps; the caller is
// responsible for pulling out the fields it asked for.
type Client interface {
	Find(ctx context.Context, entityType string, filters []Filter, fields []string, order []Order) ([]map[string]any, error)
	FindOne(ctx context.Context, entityType string, filters []Filter, fields []string, order []Order) (map[string]any, error)
	Create(ctx context.Context, entityType string, data map[string]any) (map[string]any, error)
	Update(ctx context.Context, entityType string, id int, data map[string]any) (map[string]any, error)
	Batch(ctx context.Context, requests []BatchRequest) ([]map[string]any, error)
	SchemaRead(ctx context.Context) (map[string]any, error)
}

// HTTPClient is the JSON-over-HTTP implementation of Client.
type HTTPClient struct {
	baseURL    string
	scriptName string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the given server, authenticating as an
// API script.
func NewClient(baseURL, scriptName, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		scriptName: scriptName,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// rpcEnvelope is the request body for the server's api3 endpoint.
type rpcEnvelope struct {
	MethodName string `json:"method_name"`
	Params     []any  `json:"params"`
}

type rpcResponse struct {
	Results   json.RawMessage `json:"results"`
	Exception bool            `json:"exception"`
	Message   string          `json:"message"`
}

func (c *HTTPClient) auth() map[string]any {
	return map[string]any{
		"script_name": c.scriptName,
		"script_key":  c.apiKey,
	}
}

// call performs one RPC round trip and decodes results into out.
func (c *HTTPClient) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(rpcEnvelope{
		MethodName: method,
		Params:     []any{c.auth(), payload},
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api3/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s call failed: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s call returned HTTP %d: %s", method, resp.StatusCode, data)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if envelope.Exception {
		return fmt.Errorf("server rejected %s call: %s", method, envelope.Message)
	}
	if out != nil && len(envelope.Results) > 0 {
		if err := json.Unmarshal(envelope.Results, out); err != nil {
			return fmt.Errorf("failed to decode %s results: %w", method, err)
		}
	}
	return nil
}

func encodeFilters(filters []Filter) map[string]any {
	conditions := make([]any, 0, len(filters))
	for _, f := range filters {
		conditions = append(conditions, map[string]any{
			"path":     f.Field,
			"relation": f.Relation,
			"values":   []any{f.Value},
		})
	}
	return map[string]any{
		"logical_operator": "and",
		"conditions":       conditions,
	}
}

func encodeOrder(order []Order) []any {
	sorts := make([]any, 0, len(order))
	for _, o := range order {
		sorts = append(sorts, map[string]any{
			"field_name": o.Field,
			"direction":  o.Direction,
		})
	}
	return sorts
}

// findPageSize is how many records one read call returns at most.
const findPageSize = 500

// Find implements Client.Find. Pages through the result set so queries
// larger than one server page come back complete.
func (c *HTTPClient) Find(ctx context.Context, entityType string, filters []Filter, fields []string, order []Order) ([]map[string]any, error) {
	var records []map[string]any
	for page := 1; ; page++ {
		payload := map[string]any{
			"type":                  entityType,
			"filters":               encodeFilters(filters),
			"return_fields":         fields,
			"return_only":           "active",
			"paging":                map[string]any{"current_page": page, "entities_per_page": findPageSize},
			"sorts":                 encodeOrder(order),
			"api_return_image_urls": false,
		}

		var results struct {
			Entities []map[string]any `json:"entities"`
		}
		if err := c.call(ctx, "read", payload, &results); err != nil {
			return nil, err
		}
		records = append(records, results.Entities...)

		// A short page is the last page.
		if len(results.Entities) < findPageSize {
			return records, nil
		}
	}
}

// FindOne implements Client.FindOne. Returns nil when no record matches.
func (c *HTTPClient) FindOne(ctx context.Context, entityType string, filters []Filter, fields []string, order []Order) (map[string]any, error) {
	records, err := c.Find(ctx, entityType, filters, fields, order)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Create implements Client.Create.
func (c *HTTPClient) Create(ctx context.Context, entityType string, data map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"type":   entityType,
		"fields": encodeFields(data),
	}
	var record map[string]any
	if err := c.call(ctx, "create", payload, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// Update implements Client.Update.
func (c *HTTPClient) Update(ctx context.Context, entityType string, id int, data map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"type":   entityType,
		"id":     id,
		"fields": encodeFields(data),
	}
	var record map[string]any
	if err := c.call(ctx, "update", payload, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// Batch implements Client.Batch. The server applies all requests in a
// single transaction; either every request succeeds or none do.
func (c *HTTPClient) Batch(ctx context.Context, requests []BatchRequest) ([]map[string]any, error) {
	payload := make([]any, 0, len(requests))
	for _, r := range requests {
		item := map[string]any{
			"request_type": r.RequestType,
			"type":         r.EntityType,
		}
		if r.EntityID != 0 {
			item["id"] = r.EntityID
		}
		if r.Data != nil {
			item["fields"] = encodeFields(r.Data)
		}
		payload = append(payload, item)
	}

	var records []map[string]any
	if err := c.call(ctx, "batch", payload, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// SchemaRead implements Client.SchemaRead.
func (c *HTTPClient) SchemaRead(ctx context.Context) (map[string]any, error) {
	var schema map[string]any
	if err := c.call(ctx, "schema_read", map[string]any{}, &schema); err != nil {
		return nil, err
	}
	return schema, nil
}

// encodeFields converts a flat field map to the server's field_name /
// value tuples.
func encodeFields(data map[string]any) []any {
	fields := make([]any, 0, len(data))
	for name, value := range data {
		fields = append(fields, map[string]any{
			"field_name": name,
			"value":      value,
		})
	}
	return fields
}

// IntField pulls an integer out of a generic record, tolerating the
// float64 values JSON decoding produces.
func IntField(record map[string]any, field string) int {
	switch v := record[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

// StringField pulls a string out of a generic record.
func StringField(record map[string]any, field string) string {
	s, _ := record[field].(string)
	return s
}

// BoolField pulls a boolean out of a generic record.
func BoolField(record map[string]any, field string) bool {
	b, _ := record[field].(bool)
	return b
}

// EntityField pulls a linked-entity value ({"type": ..., "id": ...,
// "name": ...}) out of a generic record.
func EntityField(record map[string]any, field string) Entity {
	link, ok := record[field].(map[string]any)
	if !ok {
		return Entity{}
	}
	return Entity{
		Type: StringField(link, "type"),
		ID:   IntField(link, "id"),
		Name: StringField(link, "name"),
	}
}
