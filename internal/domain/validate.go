package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// identifierRe matches task ids, task types and pool types: a letter followed
// by letters, digits, underscores, dots or dashes.
var identifierRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]{0,127}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierRe.MatchString(fl.Field().String())
	})
	return v
}

// ValidateIdentifier checks a bare identifier (pool type, engine name).
func ValidateIdentifier(s string) error {
	if !identifierRe.MatchString(s) {
		return fmt.Errorf("op=validate.identifier: %q: %w", s, ErrValidation)
	}
	return nil
}

// ValidateTask checks the structural contract of a task.
func ValidateTask(t Task) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("op=validate.task: %v: %w", err, ErrValidation)
	}
	return nil
}

// ValidateStruct applies validator tags to any request payload.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("op=validate.struct: %v: %w", err, ErrValidation)
	}
	return nil
}

// RepoPathValidator centralizes repository path validation. No component may
// construct a path from user input without passing it through here.
type RepoPathValidator struct {
	allowedRoots []string
}

// NewRepoPathValidator constructs a validator over the given allowed roots.
// Roots are cleaned and made absolute; relative roots resolve against the
// working directory.
func NewRepoPathValidator(roots []string) (*RepoPathValidator, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("op=validate.roots: at least one allowed root required: %w", ErrValidation)
	}
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("op=validate.roots: %q: %w", r, ErrValidation)
		}
		cleaned = append(cleaned, filepath.Clean(abs))
	}
	return &RepoPathValidator{allowedRoots: cleaned}, nil
}

// Validate checks that path is absolute, resolves under an allowed root,
// exists, and contains a .git directory. Symlinks are resolved before the
// containment check so a link cannot escape the root.
func (v *RepoPathValidator) Validate(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("op=validate.repo: %q not absolute: %w", path, ErrValidation)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("op=validate.repo: %q: %w", path, ErrValidation)
	}
	if !v.underAllowedRoot(resolved) {
		return fmt.Errorf("op=validate.repo: %q outside allowed roots: %w", path, ErrValidation)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("op=validate.repo: %q not a directory: %w", path, ErrValidation)
	}
	if gi, err := os.Stat(filepath.Join(resolved, ".git")); err != nil || !gi.IsDir() {
		return fmt.Errorf("op=validate.repo: %q missing .git: %w", path, ErrValidation)
	}
	return nil
}

// ValidateAll validates every repo path, failing on the first offender.
func (v *RepoPathValidator) ValidateAll(paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("op=validate.repo: at least one repo required: %w", ErrValidation)
	}
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if _, dup := seen[p]; dup {
			return fmt.Errorf("op=validate.repo: duplicate repo %q: %w", p, ErrValidation)
		}
		seen[p] = struct{}{}
		if err := v.Validate(p); err != nil {
			return err
		}
	}
	return nil
}

func (v *RepoPathValidator) underAllowedRoot(resolved string) bool {
	for _, root := range v.allowedRoots {
		// Resolve the root too; it may itself be behind a symlink (e.g. /tmp
		// on macOS).
		realRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			realRoot = root
		}
		if resolved == realRoot || strings.HasPrefix(resolved, realRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
