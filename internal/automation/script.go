//go:build !no_automation

package automation

import "errors"

// ErrScriptNotFound is returned when no script file has the requested id.
var ErrScriptNotFound = errors.New("automation: script not found")

// Script is one Lua hook file. The first line of the file is a comment
// holding the JSON metadata: -- {"name":"Night light","enabled":true}
type Script struct {
	ID      string `json:"id"` // file name without .lua
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Code    string `json:"code"`
	Path    string `json:"-"`
}

type scriptHeader struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}
