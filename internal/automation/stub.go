//go:build no_automation

// Package automation is compiled out; every call is a no-op.
package automation

import (
	"errors"
	"log/slog"
	"time"

	"zigbee-ncp-host/internal/adapter"
)

var ErrScriptNotFound = errors.New("automation: script not found")

var errDisabled = errors.New("automation disabled")

type Script struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Code    string `json:"code"`
	Path    string `json:"-"`
}

type Config struct {
	ExecAllowlist  []string
	ExecTimeout    time.Duration
	CommandTimeout time.Duration
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type Manager struct{}

func NewManager(string, *slog.Logger) (*Manager, error) { return &Manager{}, nil }

func (m *Manager) List() ([]*Script, error)      { return nil, nil }
func (m *Manager) Get(string) (*Script, error)   { return nil, ErrScriptNotFound }
func (m *Manager) Save(*Script) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(string) error           { return ErrScriptNotFound }

type Engine struct{}

func NewEngine(*adapter.Adapter, *Manager, Config, *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()                    {}
func (e *Engine) Stop()                     {}
func (e *Engine) Running() int              { return 0 }
func (e *Engine) ReloadScript(string) error { return nil }
func (e *Engine) StopScript(string)         {}

func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}

func (e *Engine) RunCode(string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}
