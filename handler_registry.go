package caddyjwtauth

import (
	"fmt"
	"sort"
	"sync"

	"github.com/puxu-msft/caddy-jwt-auth/jwks"
)

// HandlerInfo describes a provisioned jwt_auth handler for Admin API
// inspection. Claim values are not included.
type HandlerInfo struct {
	Name        string      `json:"name"`
	ModuleID    string      `json:"module_id"`
	Source      string      `json:"source"`
	JWKSURL     string      `json:"jwks_url,omitempty"`
	JWKSFile    string      `json:"jwks_file,omitempty"`
	JWKSKey     string      `json:"jwks_key,omitempty"`
	TokenHeader string      `json:"token_header"`
	ClaimNames  []string    `json:"claim_names"`
	JWKS        jwks.Status `json:"jwks"`
}

type registeredHandler struct {
	info    HandlerInfo
	fetcher *jwks.Fetcher
}

type handlerRegistry struct {
	mu      sync.RWMutex
	entries map[string]registeredHandler
	counter uint64
}

var globalHandlerRegistry = &handlerRegistry{
	entries: make(map[string]registeredHandler),
}

func registerHandler(info HandlerInfo, fetcher *jwks.Fetcher) string {
	globalHandlerRegistry.mu.Lock()
	defer globalHandlerRegistry.mu.Unlock()

	globalHandlerRegistry.counter++
	name := fmt.Sprintf("jwt_auth#%d", globalHandlerRegistry.counter)
	info.Name = name
	globalHandlerRegistry.entries[name] = registeredHandler{info: info, fetcher: fetcher}
	return name
}

func unregisterHandler(name string) {
	if name == "" {
		return
	}
	globalHandlerRegistry.mu.Lock()
	defer globalHandlerRegistry.mu.Unlock()
	delete(globalHandlerRegistry.entries, name)
}

// listHandlers returns every registered handler with a fresh key set status.
func listHandlers() []HandlerInfo {
	globalHandlerRegistry.mu.RLock()
	out := make([]HandlerInfo, 0, len(globalHandlerRegistry.entries))
	for _, e := range globalHandlerRegistry.entries {
		info := e.info
		if e.fetcher != nil {
			info.JWKS = e.fetcher.Status()
		}
		out = append(out, info)
	}
	globalHandlerRegistry.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// lookupFetchers returns the fetchers of the named handler, or of every
// handler when name is empty.
func lookupFetchers(name string) map[string]*jwks.Fetcher {
	globalHandlerRegistry.mu.RLock()
	defer globalHandlerRegistry.mu.RUnlock()

	out := make(map[string]*jwks.Fetcher)
	for n, e := range globalHandlerRegistry.entries {
		if name != "" && n != name {
			continue
		}
		if e.fetcher != nil {
			out[n] = e.fetcher
		}
	}
	return out
}
