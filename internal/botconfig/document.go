// Package botconfig reads and rewrites a trading bot's JSON config file while
// leaving every field it does not own untouched.
package botconfig

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const indent = "    "

// Document is a parsed config file. Top-level keys keep their original order
// and their values are kept as the raw bytes read from disk, so a rewrite only
// changes the keys that were Set.
type Document struct {
	keys   []string
	values map[string][]byte
}

// Parse decodes a top-level JSON object.
func Parse(data []byte) (*Document, error) {
	doc := &Document{values: make(map[string][]byte)}

	iter := jsoniter.ParseBytes(json, data)
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return nil, fmt.Errorf("config document is not a JSON object")
	}
	iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		raw := it.SkipAndReturnBytes()
		if it.Error != nil {
			return false
		}
		if _, seen := doc.values[key]; !seen {
			doc.keys = append(doc.keys, key)
		}
		doc.values[key] = append([]byte(nil), bytes.TrimSpace(raw)...)
		return true
	})
	if iter.Error != nil {
		return nil, fmt.Errorf("parse config document: %w", iter.Error)
	}
	return doc, nil
}

// Keys returns the top-level keys in file order.
func (d *Document) Keys() []string {
	return append([]string(nil), d.keys...)
}

// Has reports whether key is present.
func (d *Document) Has(key string) bool {
	_, ok := d.values[key]
	return ok
}

// Raw returns the raw JSON of key.
func (d *Document) Raw(key string) ([]byte, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Get decodes key into v. It reports false when the key is absent.
func (d *Document) Get(key string, v any) (bool, error) {
	raw, ok := d.values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// Set encodes v under key. New keys are appended after the existing ones.
func (d *Document) Set(key string, v any) error {
	raw, err := json.MarshalIndent(v, "", indent)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	// values sit one level deep in the rendered document; newlines only occur
	// between tokens since strings escape them
	raw = bytes.ReplaceAll(raw, []byte("\n"), []byte("\n"+indent))
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = raw
	return nil
}

// Bytes renders the document with one top-level key per line.
func (d *Document) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, key := range d.keys {
		if i > 0 {
			buf.WriteString(",")
		}
		name, _ := json.Marshal(key)
		buf.WriteString("\n")
		buf.WriteString(indent)
		buf.Write(name)
		buf.WriteString(": ")
		buf.Write(d.values[key])
	}
	if len(d.keys) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}
