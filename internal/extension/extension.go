// Package extension parses the Sec-WebSocket-Extensions header grammar:
//
//	extension-name; param1=value1; param2="value 2", extension-name2; param1
package extension

import "strings"

// PermessageDeflate is the only extension the engine knows how to reverse.
const PermessageDeflate = "permessage-deflate"

// Extension is one negotiated extension with its parameters. Parameters
// declared without a value map to the empty string.
type Extension struct {
	Name   string
	Params map[string]string
}

// Parse decodes a Sec-WebSocket-Extensions header value into an ordered
// extension list. Names and parameters are trimmed and lowercased; values in
// double quotes have the quotes stripped. Empty entries are skipped.
func Parse(header string) []Extension {
	if header == "" {
		return nil
	}
	var exts []Extension
	for _, raw := range strings.Split(header, ",") {
		raw = strings.ToLower(strings.TrimSpace(raw))
		parts := strings.Split(raw, ";")
		name := strings.TrimSpace(parts[0])
		if name == "" {
			continue
		}
		ext := Extension{Name: name, Params: make(map[string]string)}
		for _, param := range parts[1:] {
			param = strings.TrimSpace(param)
			if param == "" {
				continue
			}
			key, value, hasValue := strings.Cut(param, "=")
			key = strings.TrimSpace(key)
			if !hasValue {
				ext.Params[key] = ""
				continue
			}
			value = strings.TrimSpace(value)
			if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
				value = value[1 : len(value)-1]
			}
			ext.Params[key] = value
		}
		exts = append(exts, ext)
	}
	return exts
}

// Find returns the named extension, or nil if it was not negotiated.
func Find(exts []Extension, name string) *Extension {
	for i := range exts {
		if exts[i].Name == name {
			return &exts[i]
		}
	}
	return nil
}

// Names lists the extension names in negotiation order.
func Names(exts []Extension) []string {
	names := make([]string, len(exts))
	for i, ext := range exts {
		names[i] = ext.Name
	}
	return names
}
