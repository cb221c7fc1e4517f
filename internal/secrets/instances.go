package secrets

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// RemoteInstance is a saved pointer to another control API. The record never
// carries the secret; it lives in the Store under the record's ID and is
// fetched on demand.
type RemoteInstance struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
}

// Registry persists remote-instance records as JSON and keeps their secrets
// in a Store.
type Registry struct {
	path  string
	store Store

	mu        sync.Mutex
	instances map[string]RemoteInstance
}

func NewRegistry(path string, store Store) (*Registry, error) {
	r := &Registry{path: path, store: store, instances: make(map[string]RemoteInstance)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read instances: %w", err)
	}
	var list []RemoteInstance
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse instances: %w", err)
	}
	for _, inst := range list {
		r.instances[inst.ID] = inst
	}
	return r, nil
}

func validateInstance(name, baseURL string) error {
	if name == "" {
		return fmt.Errorf("instance name must not be empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base URL must be http or https with a host, got %q", baseURL)
	}
	return nil
}

// Add validates and stores a new instance record plus its secret, returning
// the created record. Validation failures leave both the registry and the
// store untouched.
func (r *Registry) Add(name, baseURL, secret string) (RemoteInstance, error) {
	if err := validateInstance(name, baseURL); err != nil {
		return RemoteInstance{}, err
	}
	inst := RemoteInstance{ID: uuid.NewString(), Name: name, BaseURL: baseURL}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.instances {
		if existing.Name == name {
			return RemoteInstance{}, fmt.Errorf("duplicate instance name %q", name)
		}
	}
	if secret != "" {
		if err := r.store.Set(inst.ID, secret); err != nil {
			return RemoteInstance{}, fmt.Errorf("store secret: %w", err)
		}
	}
	r.instances[inst.ID] = inst
	if err := r.persist(); err != nil {
		delete(r.instances, inst.ID)
		_ = r.store.Delete(inst.ID)
		return RemoteInstance{}, err
	}
	return inst, nil
}

// Update replaces an existing record's name and URL, and the secret when a
// non-empty one is given.
func (r *Registry) Update(id, name, baseURL, secret string) (RemoteInstance, error) {
	if err := validateInstance(name, baseURL); err != nil {
		return RemoteInstance{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.instances[id]
	if !ok {
		return RemoteInstance{}, fmt.Errorf("unknown instance %q", id)
	}
	inst := RemoteInstance{ID: id, Name: name, BaseURL: baseURL}
	r.instances[id] = inst
	if err := r.persist(); err != nil {
		r.instances[id] = prev
		return RemoteInstance{}, err
	}
	if secret != "" {
		if err := r.store.Set(id, secret); err != nil {
			return RemoteInstance{}, fmt.Errorf("store secret: %w", err)
		}
	}
	return inst, nil
}

// Remove deletes the record and its secret.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("unknown instance %q", id)
	}
	delete(r.instances, id)
	if err := r.persist(); err != nil {
		r.instances[id] = prev
		return err
	}
	return r.store.Delete(id)
}

// List returns all records sorted by name. Secrets are never included.
func (r *Registry) List() []RemoteInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RemoteInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one record by id.
func (r *Registry) Get(id string) (RemoteInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Secret fetches the stored secret for a record. A record saved without a
// secret yields an empty string.
func (r *Registry) Secret(id string) (string, error) {
	r.mu.Lock()
	_, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown instance %q", id)
	}
	s, err := r.store.Get(id)
	if err == ErrNotFound {
		return "", nil
	}
	return s, err
}

// persist writes the record list; callers hold r.mu.
func (r *Registry) persist() error {
	list := make([]RemoteInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		list = append(list, inst)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode instances: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write instances: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write instances: %w", err)
	}
	return nil
}
