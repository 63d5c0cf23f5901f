// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package sandbox

import (
	"fmt"
	"sort"

	"go.astrophena.name/botcraft/internal/starconv"

	"go.starlark.net/starlark"
)

// dataMethods is the closed table of data methods.
var dataMethods = set(
	"getData", "saveData", "deleteData",
	"increment", "getAllData", "clearAll",
)

// dataValue exposes a [DataStore] to a script.
type dataValue struct {
	name  string
	store DataStore
}

var _ starlark.HasAttrs = (*dataValue)(nil)

func (d *dataValue) String() string        { return "<" + d.name + ">" }
func (d *dataValue) Type() string          { return "data" }
func (d *dataValue) Freeze()               {}
func (d *dataValue) Truth() starlark.Bool  { return starlark.True }
func (d *dataValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: data") }

func (d *dataValue) Attr(name string) (starlark.Value, error) {
	if !dataMethods[name] {
		return nil, nil
	}
	return starlark.NewBuiltin(d.name+"."+name, d.method(name)), nil
}

func (d *dataValue) AttrNames() []string {
	names := make([]string, 0, len(dataMethods))
	for name := range dataMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *dataValue) method(name string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		ctx := Context(thread)

		switch name {
		case "getData":
			var (
				key string
				def starlark.Value = starlark.None
			)
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
				return nil, err
			}
			val, err := d.store.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			if val == nil {
				return def, nil
			}
			return starconv.To(val)

		case "saveData":
			var (
				key string
				val starlark.Value
			)
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &val); err != nil {
				return nil, err
			}
			goVal, err := starconv.From(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %v", b.Name(), err)
			}
			return starlark.None, d.store.Set(ctx, key, goVal)

		case "deleteData":
			var key string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
				return nil, err
			}
			return starlark.None, d.store.Delete(ctx, key)

		case "increment":
			var (
				key string
				by  int64 = 1
			)
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "by?", &by); err != nil {
				return nil, err
			}
			n, err := d.store.Increment(ctx, key, by)
			if err != nil {
				return nil, err
			}
			return starlark.MakeInt64(n), nil

		case "getAllData":
			if len(args) > 0 || len(kwargs) > 0 {
				return nil, fmt.Errorf("%s: unexpected arguments", b.Name())
			}
			all, err := d.store.All(ctx)
			if err != nil {
				return nil, err
			}
			return starconv.To(all)

		case "clearAll":
			if len(args) > 0 || len(kwargs) > 0 {
				return nil, fmt.Errorf("%s: unexpected arguments", b.Name())
			}
			return starlark.None, d.store.Clear(ctx)
		}

		return nil, fmt.Errorf("%s: unknown method", b.Name())
	}
}
