package fhirstub

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// object is a decoded resource.
type object = map[string]any

// store keeps resources per type in creation order.
type store struct {
	mu    sync.RWMutex
	byKey map[string]object
	order map[string][]string
	pages map[string]*snapshot
}

// snapshot is a frozen search result served page by page.
type snapshot struct {
	resourceType string
	ids          []string
	summary      bool
	includes     []string
}

func newStore() *store {
	return &store{
		byKey: map[string]object{},
		order: map[string][]string{},
		pages: map[string]*snapshot{},
	}
}

func key(resourceType, id string) string {
	return resourceType + "/" + id
}

// decode parses a resource keeping numbers exact.
func decode(data []byte) (object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj object
	if err := dec.Decode(&obj); err != nil {
		return nil, errors.Wrap(err, "invalid JSON")
	}
	if obj == nil {
		return nil, errors.New("resource must be a JSON object")
	}
	return obj, nil
}

// create assigns an id and version and stores obj. With unique set it
// refuses a resource sharing an identifier with a stored one of the type.
func (s *store) create(resourceType string, obj object, now time.Time, unique bool) (object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unique && s.sharesIdentifier(resourceType, obj) {
		return nil, false
	}

	id := uuid.NewString()
	obj["id"] = id
	meta, _ := obj["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["versionId"] = "1"
	meta["lastUpdated"] = now.UTC().Format(time.RFC3339)
	obj["meta"] = meta

	s.byKey[key(resourceType, id)] = obj
	s.order[resourceType] = append(s.order[resourceType], id)
	return clone(obj), true
}

// put stores obj under its own id, replacing nothing. Used for seeding.
func (s *store) put(resourceType string, obj object) error {
	id, _ := obj["id"].(string)
	if id == "" {
		return errors.Errorf("seeded %s has no id", resourceType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(resourceType, id)
	if _, exists := s.byKey[k]; exists {
		return errors.Errorf("%s already exists", k)
	}
	s.byKey[k] = obj
	s.order[resourceType] = append(s.order[resourceType], id)
	return nil
}

func (s *store) get(resourceType, id string) (object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.byKey[key(resourceType, id)]
	if !ok {
		return nil, false
	}
	return clone(obj), true
}

// all returns copies of every resource of a type in creation order.
func (s *store) all(resourceType string) []object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[resourceType]
	out := make([]object, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(s.byKey[key(resourceType, id)]))
	}
	return out
}

// sharesIdentifier reports whether a stored resource of the type has any of
// the identifiers (system and value) of obj. Callers hold the lock.
func (s *store) sharesIdentifier(resourceType string, obj object) bool {
	wanted := identifierKeys(obj)
	if len(wanted) == 0 {
		return false
	}
	for _, id := range s.order[resourceType] {
		for k := range identifierKeys(s.byKey[key(resourceType, id)]) {
			if _, ok := wanted[k]; ok {
				return true
			}
		}
	}
	return false
}

func identifierKeys(obj object) map[string]struct{} {
	keys := map[string]struct{}{}
	list, _ := obj["identifier"].([]any)
	for _, item := range list {
		ident, _ := item.(map[string]any)
		value, _ := ident["value"].(string)
		if value == "" {
			continue
		}
		system, _ := ident["system"].(string)
		keys[system+"|"+value] = struct{}{}
	}
	return keys
}

func (s *store) savePages(snap *snapshot) string {
	token := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[token] = snap
	return token
}

func (s *store) loadPages(token string) (*snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.pages[token]
	return snap, ok
}

// len returns the number of stored resources of a type.
func (s *store) len(resourceType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order[resourceType])
}

// clone deep-copies a decoded JSON value.
func clone(obj object) object {
	return cloneValue(obj).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// lookup collects the values at a dotted path, flattening arrays.
func lookup(v any, path string) []any {
	current := []any{v}
	for _, segment := range strings.Split(path, ".") {
		var next []any
		for _, c := range current {
			obj, ok := c.(map[string]any)
			if !ok {
				continue
			}
			switch child := obj[segment].(type) {
			case nil:
			case []any:
				next = append(next, child...)
			default:
				next = append(next, child)
			}
		}
		current = next
	}
	return current
}
