// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
)

// SetDefaults sets default values on the struct pointed to by data, from
// the "default" struct tags. Nested structs are handled recursively.
func SetDefaults(data interface{}) {
	s := reflect.ValueOf(data).Elem()
	t := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if !f.CanSet() {
			continue
		}

		v, ok := t.Field(i).Tag.Lookup("default")
		if !ok {
			if f.Kind() == reflect.Struct {
				SetDefaults(f.Addr().Interface())
			}
			continue
		}

		if tu, ok := f.Addr().Interface().(encoding.TextUnmarshaler); ok {
			if err := tu.UnmarshalText([]byte(v)); err != nil {
				panic(fmt.Sprintf("bug: default %q for %s: %v", v, t.Field(i).Name, err))
			}
			continue
		}

		switch f.Kind() {
		case reflect.String:
			f.SetString(v)
		case reflect.Int, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				panic(err)
			}
			f.SetInt(n)
		case reflect.Uint, reflect.Uint32, reflect.Uint64:
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				panic(err)
			}
			f.SetUint(n)
		case reflect.Bool:
			f.SetBool(v == "true")
		default:
			panic(f.Type())
		}
	}
}
