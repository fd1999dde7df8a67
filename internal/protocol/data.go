package protocol

import (
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Data is a dynamic JSON value of unknown shape, per design note
// "Dynamic typing of request payloads": handlers validate at entry rather
// than relying on a fixed schema.
type Data struct {
	raw  string      // original JSON text, if Kind is JSON
	json gjson.Result
	form url.Values
	str  string
	kind dataKind
}

type dataKind int

const (
	dataNull dataKind = iota
	dataJSON
	dataForm
	dataString
)

// ParseBody implements the "JSON first, then form, then bare string"
// fallback chain from §4.5 step 4.
func ParseBody(raw string) *Data {
	if raw == "" {
		return &Data{kind: dataNull}
	}
	if gjson.Valid(raw) {
		return &Data{kind: dataJSON, raw: raw, json: gjson.Parse(raw)}
	}
	if strings.Contains(raw, "=") {
		if form, err := url.ParseQuery(raw); err == nil && len(form) > 0 {
			return &Data{kind: dataForm, form: form}
		}
	}
	return &Data{kind: dataString, str: raw}
}

// IsNull reports an absent body/query.
func (d *Data) IsNull() bool { return d == nil || d.kind == dataNull }

// Raw returns the original JSON text, or "" if the payload isn't JSON.
func (d *Data) Raw() string {
	if d == nil {
		return ""
	}
	return d.raw
}

// Get returns the value at path for JSON payloads; form and string
// payloads yield an empty result (use String for those).
func (d *Data) Get(path string) gjson.Result {
	if d == nil || d.kind != dataJSON {
		return gjson.Result{}
	}
	return d.json.Get(path)
}

// String returns a string field of a JSON payload, or the form value for
// path; a bare-string payload returns the whole string whatever path is.
func (d *Data) String(path string) string {
	if d == nil {
		return ""
	}
	switch d.kind {
	case dataJSON:
		return d.json.Get(path).String()
	case dataForm:
		return d.form.Get(path)
	case dataString:
		return d.str
	}
	return ""
}

// Bool returns a boolean field, defaulting to false.
func (d *Data) Bool(path string) bool {
	if d == nil || d.kind != dataJSON {
		return false
	}
	return d.json.Get(path).Bool()
}

// Int returns an integer field, defaulting to 0.
func (d *Data) Int(path string) int {
	if d == nil || d.kind != dataJSON {
		return 0
	}
	return int(d.json.Get(path).Int())
}

// Exists reports whether path is present in a JSON payload.
func (d *Data) Exists(path string) bool {
	if d == nil || d.kind != dataJSON {
		return false
	}
	return d.json.Get(path).Exists()
}

// StringSlice reads a field that may be either a single string or an
// array of strings, the shape txId is sent in.
func (d *Data) StringSlice(path string) []string {
	if d == nil || d.kind != dataJSON {
		return nil
	}
	res := d.json.Get(path)
	if !res.Exists() {
		return nil
	}
	if res.IsArray() {
		var out []string
		res.ForEach(func(_, v gjson.Result) bool {
			out = append(out, v.String())
			return true
		})
		return out
	}
	return []string{res.String()}
}
