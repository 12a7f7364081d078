// Package nn is a statically typed module tree. Composite modules expose
// their children by name; leaf modules expose their tensors as buffers.
package nn

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/longbow-qlora/internal/autograd"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

var (
	ErrNoChild  = errors.New("no such child")
	ErrNoBuffer = errors.New("no such buffer")

	// SkipChildren returned from a WalkFunc skips the module's subtree.
	SkipChildren = errors.New("skip children")
)

type Module interface {
	Children() []string
	Child(name string) Module
	SetChild(name string, m Module) error
}

// Shaped modules report their (in, out) feature sizes.
type Shaped interface {
	Shape() (in, out int)
}

// Buffered modules own named tensors.
type Buffered interface {
	BufferNames() []string
	Buffer(name string) *tensor.Tensor
	SetBuffer(name string, t *tensor.Tensor) error
}

// Layer is a module that can be applied to activations.
type Layer interface {
	Forward(tape *autograd.Tape, x *autograd.Variable) (*autograd.Variable, error)
}

// Leaf provides the child methods for modules without children.
type Leaf struct{}

func (Leaf) Children() []string { return nil }

func (Leaf) Child(string) Module { return nil }

func (Leaf) SetChild(name string, _ Module) error {
	return fmt.Errorf("%w: %q", ErrNoChild, name)
}

// Container holds ordered named children.
type Container struct {
	names    []string
	children map[string]Module
}

// Add appends a child, replacing any child with the same name in place.
func (c *Container) Add(name string, m Module) {
	if c.children == nil {
		c.children = make(map[string]Module)
	}
	if _, ok := c.children[name]; !ok {
		c.names = append(c.names, name)
	}
	c.children[name] = m
}

func (c *Container) Children() []string { return append([]string(nil), c.names...) }

func (c *Container) Child(name string) Module { return c.children[name] }

func (c *Container) SetChild(name string, m Module) error {
	if _, ok := c.children[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNoChild, name)
	}
	c.children[name] = m
	return nil
}

// WalkFunc is called for every module in pre-order. path is the dotted
// name from the root; the root itself has the empty path.
type WalkFunc func(path string, m Module) error

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Walk visits root and every descendant depth first.
func Walk(root Module, fn WalkFunc) error {
	return walk("", root, fn)
}

func walk(path string, m Module, fn WalkFunc) error {
	if err := fn(path, m); err != nil {
		if errors.Is(err, SkipChildren) {
			return nil
		}
		return err
	}
	for _, name := range m.Children() {
		child := m.Child(name)
		if child == nil {
			continue
		}
		if err := walk(join(path, name), child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Get resolves a dotted path.
func Get(root Module, path string) (Module, error) {
	m := root
	if path == "" {
		return m, nil
	}
	for _, name := range strings.Split(path, ".") {
		next := m.Child(name)
		if next == nil {
			return nil, fmt.Errorf("%w: %q in %q", ErrNoChild, name, path)
		}
		m = next
	}
	return m, nil
}

// Set replaces the module at a dotted path.
func Set(root Module, path string, m Module) error {
	parentPath, name := "", path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		parentPath, name = path[:i], path[i+1:]
	}
	parent, err := Get(root, parentPath)
	if err != nil {
		return err
	}
	return parent.SetChild(name, m)
}

// NamedModules lists every module by path.
func NamedModules(root Module) map[string]Module {
	out := make(map[string]Module)
	_ = Walk(root, func(path string, m Module) error {
		out[path] = m
		return nil
	})
	return out
}

// NamedBuffers lists every buffer in the tree as "<module path>.<buffer>".
func NamedBuffers(root Module) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	_ = Walk(root, func(path string, m Module) error {
		b, ok := m.(Buffered)
		if !ok {
			return nil
		}
		for _, name := range b.BufferNames() {
			if t := b.Buffer(name); t != nil {
				out[join(path, name)] = t
			}
		}
		return nil
	})
	return out
}

// SetBuffer replaces a buffer addressed by its full dotted name.
func SetBuffer(root Module, fullName string, t *tensor.Tensor) error {
	i := strings.LastIndexByte(fullName, '.')
	modPath, name := "", fullName
	if i >= 0 {
		modPath, name = fullName[:i], fullName[i+1:]
	}
	m, err := Get(root, modPath)
	if err != nil {
		return err
	}
	b, ok := m.(Buffered)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoBuffer, fullName)
	}
	return b.SetBuffer(name, t)
}

// Wrapper is a module that decorates another layer in place, keeping its
// buffer names. Its own children are not plain model layers.
type Wrapper interface {
	Module
	Unwrap() Module
}

// Unwrap strips every Wrapper around m.
func Unwrap(m Module) Module {
	for {
		w, ok := m.(Wrapper)
		if !ok {
			return m
		}
		m = w.Unwrap()
	}
}

// FindLinear returns every *Linear by path. Paths or leaf names listed in
// exclude are left out, as is anything inside a Wrapper.
func FindLinear(root Module, exclude ...string) map[string]*Linear {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	out := make(map[string]*Linear)
	_ = Walk(root, func(path string, m Module) error {
		if _, ok := m.(Wrapper); ok {
			return SkipChildren
		}
		l, ok := m.(*Linear)
		if !ok {
			return nil
		}
		leaf := path
		if i := strings.LastIndexByte(path, '.'); i >= 0 {
			leaf = path[i+1:]
		}
		if !skip[path] && !skip[leaf] {
			out[path] = l
		}
		return nil
	})
	return out
}

// SortedKeys returns map keys in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
