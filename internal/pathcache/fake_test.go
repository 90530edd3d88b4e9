package pathcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/shotgunsoftware/tk-core-sub000/internal/shotgun"
)

// fakeClient is an in-memory stand-in for the remote tracking system. It
// holds FilesystemLocation and EventLogEntry tables and answers the subset
// of queries the path cache issues. Records pass through a JSON round trip
// so value types match what the real wire decoding produces.
type fakeClient struct {
	locations []map[string]any
	events    []map[string]any
	nextID    int

	findCalls   int
	batchCalls  int
	createCalls int

	batchErr  error
	createErr error
	findErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{nextID: 1}
}

func (f *fakeClient) allocID() int {
	id := f.nextID
	f.nextID++
	return id
}

// addLocation seeds a remote FilesystemLocation record and returns its id.
func (f *fakeClient) addLocation(entity shotgun.Entity, root, rel string, primary bool) int {
	id := f.allocID()
	f.locations = append(f.locations, jsonRoundTrip(map[string]any{
		"id": id,
		"entity": map[string]any{
			"type": entity.Type,
			"id":   entity.ID,
			"name": entity.Name,
		},
		"path_cache":     rel,
		"storage":        root,
		"primary_entity": primary,
	}))
	return id
}

// addEvent seeds a remote event-log record and returns its id.
func (f *fakeClient) addEvent(eventType string, folderIDs ...int) int {
	id := f.allocID()
	f.events = append(f.events, jsonRoundTrip(map[string]any{
		"id":         id,
		"event_type": eventType,
		"meta":       map[string]any{"sg_folder_ids": folderIDs},
	}))
	return id
}

// removeLocation drops a remote FilesystemLocation record.
func (f *fakeClient) removeLocation(id int) {
	kept := f.locations[:0]
	for _, record := range f.locations {
		if shotgun.IntField(record, "id") != id {
			kept = append(kept, record)
		}
	}
	f.locations = kept
}

// dropEvent prunes an event, simulating server-side event log cleanup.
func (f *fakeClient) dropEvent(id int) {
	kept := f.events[:0]
	for _, record := range f.events {
		if shotgun.IntField(record, "id") != id {
			kept = append(kept, record)
		}
	}
	f.events = kept
}

func (f *fakeClient) Find(ctx context.Context, entityType string, filters []shotgun.Filter, fields []string, order []shotgun.Order) ([]map[string]any, error) {
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}

	var source []map[string]any
	switch entityType {
	case shotgun.EntityFilesystemLocation:
		source = f.locations
	case shotgun.EntityEventLogEntry:
		source = f.events
	default:
		return nil, fmt.Errorf("fake client does not model %s", entityType)
	}

	var out []map[string]any
	for _, record := range source {
		if matchesFilters(record, filters) {
			out = append(out, record)
		}
	}

	desc := len(order) > 0 && order[0].Direction == "desc"
	sort.SliceStable(out, func(i, j int) bool {
		a := shotgun.IntField(out[i], "id")
		b := shotgun.IntField(out[j], "id")
		if desc {
			return a > b
		}
		return a < b
	})
	return out, nil
}

func (f *fakeClient) FindOne(ctx context.Context, entityType string, filters []shotgun.Filter, fields []string, order []shotgun.Order) (map[string]any, error) {
	records, err := f.Find(ctx, entityType, filters, fields, order)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (f *fakeClient) Create(ctx context.Context, entityType string, data map[string]any) (map[string]any, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if entityType != shotgun.EntityEventLogEntry {
		return nil, fmt.Errorf("fake client only creates event log entries, got %s", entityType)
	}

	record := map[string]any{"id": f.allocID()}
	for k, v := range data {
		record[k] = v
	}
	record = jsonRoundTrip(record)
	f.events = append(f.events, record)
	return record, nil
}

func (f *fakeClient) Update(ctx context.Context, entityType string, id int, data map[string]any) (map[string]any, error) {
	return nil, fmt.Errorf("fake client does not support update")
}

func (f *fakeClient) Batch(ctx context.Context, requests []shotgun.BatchRequest) ([]map[string]any, error) {
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}

	var out []map[string]any
	for _, r := range requests {
		switch r.RequestType {
		case "create":
			if r.EntityType != shotgun.EntityFilesystemLocation {
				return nil, fmt.Errorf("fake client only batch-creates folder entries, got %s", r.EntityType)
			}
			record := map[string]any{"id": f.allocID()}
			for k, v := range r.Data {
				record[k] = v
			}
			record = jsonRoundTrip(record)
			f.locations = append(f.locations, record)
			out = append(out, record)
		case "delete":
			f.removeLocation(r.EntityID)
			out = append(out, map[string]any{"id": r.EntityID})
		default:
			return nil, fmt.Errorf("fake client does not support batch %s", r.RequestType)
		}
	}
	return out, nil
}

func (f *fakeClient) SchemaRead(ctx context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}

func matchesFilters(record map[string]any, filters []shotgun.Filter) bool {
	for _, filter := range filters {
		switch filter.Relation {
		case "is":
			if int64(shotgun.IntField(record, filter.Field)) != toInt64(filter.Value) {
				return false
			}
		case "greater_than":
			if int64(shotgun.IntField(record, filter.Field)) <= toInt64(filter.Value) {
				return false
			}
		case "in":
			values, _ := filter.Value.([]any)
			found := false
			for _, v := range values {
				switch want := v.(type) {
				case string:
					if shotgun.StringField(record, filter.Field) == want {
						found = true
					}
				default:
					if int64(shotgun.IntField(record, filter.Field)) == toInt64(v) {
						found = true
					}
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// jsonRoundTrip re-encodes a record the way the HTTP client would receive
// it, so numbers come back as float64 and nested maps lose their Go types.
func jsonRoundTrip(record map[string]any) map[string]any {
	data, err := json.Marshal(record)
	if err != nil {
		panic(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

func assertNoError(t *testing.T, err error, context string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", context, err)
	}
}
