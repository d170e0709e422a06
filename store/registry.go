package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is one finished conversion, addressable by its token.
type Result struct {
	Token      string
	SourceName string
	SourcePath string
	OutputPath string
	BaseName   string
	Extension  string
	Width      int
	Height     int
	CreatedAt  time.Time
}

// FileName returns the user-facing output name, e.g. "logo.ico".
func (r Result) FileName() string {
	return r.BaseName + "." + r.Extension
}

// Matches reports whether the requested filename/extension pair names this result.
func (r Result) Matches(filename, extension string) bool {
	return r.BaseName == filename && r.Extension == extension
}

// Registry maps opaque tokens to conversion results
type Registry struct {
	mu      sync.RWMutex
	results map[string]Result
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		results: make(map[string]Result),
	}
}

// NewToken returns a fresh opaque token.
func NewToken() string {
	return uuid.NewString()
}

// Put stores res, assigning a token when it has none, and returns the stored value.
func (r *Registry) Put(res Result) Result {
	if res.Token == "" {
		res.Token = NewToken()
	}

	r.mu.Lock()
	r.results[res.Token] = res
	r.mu.Unlock()

	return res
}

// Get looks up a result by token
func (r *Registry) Get(token string) (Result, bool) {
	r.mu.RLock()
	res, ok := r.results[token]
	r.mu.RUnlock()
	return res, ok
}

// ForgetPath drops every result whose output file is path and returns how
// many were removed. Losing the uploaded original does not invalidate a result.
func (r *Registry) ForgetPath(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for token, res := range r.results {
		if res.OutputPath == path {
			delete(r.results, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of registered results
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.results)
}
