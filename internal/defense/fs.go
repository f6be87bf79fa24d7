package defense

import (
	"path/filepath"
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
)

// This file implements some simple checking file system functions

// CleanID checks that a caller supplied submission id is a single path
// element that cannot escape the store directory it will be joined to.
// Ids are opaque here, the only contract is that they stay put.
//
func CleanID(id string) (err kv.Error) {
	if len(id) == 0 {
		return kv.NewError("empty submission id").With("stack", stack.Trace().TrimRuntime())
	}

	relpath, errGo := filepath.Rel("store", filepath.Join("store", id))
	if errGo != nil {
		return kv.Wrap(errGo).With("id", id).With("stack", stack.Trace().TrimRuntime())
	}

	if relpath == "." || strings.HasPrefix(relpath, "..") {
		return kv.NewError("submission id escapes the store").With("id", id).With("stack", stack.Trace().TrimRuntime())
	}
	if strings.ContainsAny(relpath, `/\`) {
		return kv.NewError("submission id is not a single path element").With("id", id).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
