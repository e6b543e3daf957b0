// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"plugin"
	"sync"

	coreerrors "github.com/forgecore/runtime/pkg/errors"
)

// Handler is an in-process-invocable unit of work. A HandlerReference
// resolves, via a HandlerLoader, to one of these.
type Handler func(ctx context.Context, input json.RawMessage, exec ExecutionContext) (json.RawMessage, error)

// HandlerLoader resolves a HandlerReference to a callable Handler.
// The default implementation loads Go plugins built with `go build
// -buildmode=plugin`; a test double can substitute an in-memory map.
type HandlerLoader interface {
	Load(ref HandlerReference) (Handler, error)
}

// PluginLoader loads handlers from compiled Go plugin files, caching
// opened plugins by file path since plugin.Open is not safe to repeat
// for the same file from multiple goroutines and is expensive.
type PluginLoader struct {
	mu     sync.Mutex
	opened map[string]*plugin.Plugin
}

// NewPluginLoader returns a ready-to-use PluginLoader.
func NewPluginLoader() *PluginLoader {
	return &PluginLoader{opened: make(map[string]*plugin.Plugin)}
}

// Load resolves ref.File + ref.Export to a Handler symbol.
func (l *PluginLoader) Load(ref HandlerReference) (Handler, error) {
	p, err := l.open(ref.File)
	if err != nil {
		return nil, err
	}

	sym, err := p.Lookup(ref.Export)
	if err != nil {
		return nil, &coreerrors.SandboxError{
			Code:    coreerrors.CodeHandlerNotFound,
			Message: fmt.Sprintf("export %q not found in %s", ref.Export, ref.File),
			Cause:   err,
		}
	}

	h, ok := sym.(func(context.Context, json.RawMessage, ExecutionContext) (json.RawMessage, error))
	if !ok {
		if hp, ok := sym.(*Handler); ok {
			return *hp, nil
		}
		return nil, &coreerrors.SandboxError{
			Code:    coreerrors.CodeHandlerNotFound,
			Message: fmt.Sprintf("export %q in %s has the wrong signature", ref.Export, ref.File),
		}
	}

	return Handler(h), nil
}

func (l *PluginLoader) open(file string) (*plugin.Plugin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.opened[file]; ok {
		return p, nil
	}

	p, err := plugin.Open(file)
	if err != nil {
		return nil, &coreerrors.SandboxError{
			Code:    coreerrors.CodeHandlerNotFound,
			Message: fmt.Sprintf("failed to open handler plugin %s", file),
			Cause:   err,
		}
	}

	l.opened[file] = p
	return p, nil
}

// StaticLoader resolves handlers from an in-memory registry, keyed by
// "file#export". Used in development mode and tests, where handlers
// are registered directly rather than compiled as plugins.
type StaticLoader struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewStaticLoader returns an empty StaticLoader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{handlers: make(map[string]Handler)}
}

// Register adds a handler under the given file/export pair.
func (l *StaticLoader) Register(file, export string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[staticKey(file, export)] = h
}

// Load implements HandlerLoader.
func (l *StaticLoader) Load(ref HandlerReference) (Handler, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.handlers[staticKey(ref.File, ref.Export)]
	if !ok {
		return nil, &coreerrors.SandboxError{
			Code:    coreerrors.CodeHandlerNotFound,
			Message: fmt.Sprintf("no handler registered for %s#%s", ref.File, ref.Export),
		}
	}
	return h, nil
}

func staticKey(file, export string) string {
	return file + "#" + export
}
