package script

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dop251/goja"
)

var (
	errInvalidPath = errors.New("script: invalid sandbox path")
	errTooLarge    = errors.New("script: file exceeds sandbox size limit")
)

// flowFS is the $fs surface, rooted at <FSRoot>/<flowID>.
type flowFS struct {
	root     string
	maxBytes int64
}

func newFlowFS(base, flowID string, maxBytes int64) (*flowFS, error) {
	name, err := sanitizeSegment(flowID)
	if err != nil {
		return nil, fmt.Errorf("script: flow id %q cannot name a sandbox directory", flowID)
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	return &flowFS{root: filepath.Join(absBase, name), maxBytes: maxBytes}, nil
}

func sanitizeSegment(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", errInvalidPath
	}
	if strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, 0) {
		return "", errInvalidPath
	}
	return name, nil
}

// resolve maps a script-supplied path onto the sandbox root. Absolute
// paths are interpreted relative to the root; anything escaping it is
// rejected.
func (f *flowFS) resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) || strings.Contains(p, "\\") {
		return "", errInvalidPath
	}
	clean := path.Clean("/" + p)
	full := filepath.Join(f.root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(f.root, full)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errInvalidPath
	}
	return full, nil
}

func (f *flowFS) readFile(p, encoding string) (string, error) {
	full, err := f.resolve(p)
	if err != nil {
		return "", err
	}
	fh, err := os.Open(full)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	data, err := io.ReadAll(io.LimitReader(fh, f.maxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > f.maxBytes {
		return "", errTooLarge
	}
	if encoding == "base64" {
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return string(data), nil
}

func (f *flowFS) writeFile(p string, data []byte) error {
	if int64(len(data)) > f.maxBytes {
		return errTooLarge
	}
	full, err := f.resolve(p)
	if err != nil {
		return err
	}
	if full == f.root {
		return errInvalidPath
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (f *flowFS) exists(p string) bool {
	full, err := f.resolve(p)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

func (f *flowFS) readdir(p string) ([]string, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if errors.Is(err, os.ErrNotExist) && full == f.root {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (f *flowFS) object(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	throw := func(err error) {
		panic(vm.NewGoError(err))
	}
	_ = obj.Set("readFile", func(call goja.FunctionCall) goja.Value {
		enc := ""
		if a := call.Argument(1); !goja.IsUndefined(a) {
			enc = a.String()
		}
		s, err := f.readFile(call.Argument(0).String(), enc)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(s)
	})
	_ = obj.Set("writeFile", func(call goja.FunctionCall) goja.Value {
		data := []byte(call.Argument(1).String())
		if a := call.Argument(2); !goja.IsUndefined(a) && a.String() == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(call.Argument(1).String())
			if err != nil {
				throw(err)
			}
			data = decoded
		}
		if err := f.writeFile(call.Argument(0).String(), data); err != nil {
			throw(err)
		}
		return goja.Undefined()
	})
	_ = obj.Set("exists", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(f.exists(call.Argument(0).String()))
	})
	_ = obj.Set("readdir", func(call goja.FunctionCall) goja.Value {
		p := "/"
		if a := call.Argument(0); !goja.IsUndefined(a) {
			p = a.String()
		}
		names, err := f.readdir(p)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(names)
	})
	return obj
}
