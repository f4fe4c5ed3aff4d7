// Package scripthost runs script-variant tools in an embedded Go
// interpreter. Scripts are interpreted with yaegi rather than
// compiled, with a stdlib import allowlist and a wall-clock timeout.
//
// The script must define:
//
//	func RunTool(input string) (string, error)
//
// input is the invocation params serialized as JSON; the returned
// string becomes the tool's result body.
package scripthost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"devicenerd/internal/jsonval"
	"devicenerd/internal/logging"
)

var (
	ErrForbiddenImport = errors.New("scripthost: forbidden import")
	ErrBadLanguage     = errors.New("scripthost: unsupported language")
	ErrBadEntryPoint   = errors.New("scripthost: RunTool has wrong signature")
	ErrUnavailable     = errors.New("scripthost: interpreter unavailable")
)

// allowedImports is the stdlib surface scripts may use. Filesystem,
// network, exec and unsafe access are deliberately absent.
var allowedImports = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"encoding/hex":    true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"errors":          true,
	"unicode":         true,
}

const defaultTimeout = 5 * time.Second

// Host interprets scripts for the tool registry. Repeated interpreter
// failures open a circuit breaker so a crashing script cannot keep
// stalling the processing loop.
type Host struct {
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	log     *logging.Logger
}

// New builds a host. A non-positive timeout uses the default.
func New(timeout time.Duration) *Host {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log := logging.Get(logging.CategoryScript)
	return &Host{
		timeout: timeout,
		log:     log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "scripthost",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("breaker %s: %s -> %s", name, from, to)
			},
		}),
	}
}

// Run interprets code and calls its RunTool entry point with the
// params serialized as JSON. Only language "go" is supported.
func (h *Host) Run(language, code string, params *jsonval.Value) (string, error) {
	if language != "" && language != "go" {
		return "", fmt.Errorf("%w: %q", ErrBadLanguage, language)
	}
	input := "{}"
	if params != nil {
		input = jsonval.Stringify(params)
	}

	out, err := h.breaker.Execute(func() (any, error) {
		return h.run(code, input)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", err
	}
	return out.(string), nil
}

func (h *Host) run(code, input string) (string, error) {
	if err := validateImports(code); err != nil {
		return "", err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("scripthost: load stdlib: %w", err)
	}
	if _, err := i.Eval(wrapCode(code)); err != nil {
		return "", fmt.Errorf("scripthost: eval: %w", err)
	}
	entry, err := i.Eval("main.RunTool")
	if err != nil {
		return "", fmt.Errorf("scripthost: RunTool not found: %w", err)
	}
	runTool, ok := entry.Interface().(func(string) (string, error))
	if !ok {
		return "", ErrBadEntryPoint
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := runTool(input)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	select {
	case out := <-resultCh:
		return out, nil
	case err := <-errCh:
		return "", fmt.Errorf("scripthost: script failed: %w", err)
	case <-ctx.Done():
		h.log.Warn("script timed out after %s", h.timeout)
		return "", context.DeadlineExceeded
	}
}

// validateImports scans the source for import statements and rejects
// anything outside the allowlist. This is a line scan, not a full
// parse; yaegi rejects anything the scan misses because only stdlib
// symbols are loaded.
func validateImports(code string) error {
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := importPath(trimmed); pkg != "" && !allowedImports[pkg] {
				return fmt.Errorf("%w: %q", ErrForbiddenImport, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := importPath(strings.TrimPrefix(trimmed, "import "))
			if pkg != "" && !allowedImports[pkg] {
				return fmt.Errorf("%w: %q", ErrForbiddenImport, pkg)
			}
		}
	}
	return nil
}

func importPath(s string) string {
	s = strings.TrimSpace(s)
	// Strip an import alias if present.
	if i := strings.IndexByte(s, '"'); i > 0 {
		s = s[i:]
	}
	return strings.Trim(s, `"`)
}

func wrapCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}
