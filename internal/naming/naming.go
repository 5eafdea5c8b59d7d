// Package naming picks collision-free file names for derived and renamed
// recordings. A name is taken when any file in the directory has the same
// stem, whatever its extension.
package naming

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// MaxProbe bounds the counter search. It is never reached in practice.
const MaxProbe = 1 << 20

var (
	// ErrInvalidName is returned for empty names, names with path
	// separators and user names with a reserved prefix.
	ErrInvalidName = errors.New("invalid file name")
	// ErrCollisionExhausted is returned when no free counter exists below MaxProbe.
	ErrCollisionExhausted = errors.New("no free file name")
)

// ReservedPrefixes start the names of noise reduction intermediates,
// which the cleanup sweep deletes. User-chosen names may not use them.
var ReservedPrefixes = []string{"decoded_", "cleaned_"}

// counterSuffix matches "<base>(<n>)".
var counterSuffix = regexp.MustCompile(`^(.*)\((\d+)\)$`)

// Stem returns the file name without directory and extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SplitCounter splits "Take(3)" into ("Take", 3, true) and "Take" into
// ("Take", 0, false).
func SplitCounter(stem string) (base string, n int, ok bool) {
	m := counterSuffix.FindStringSubmatch(stem)
	if m == nil {
		return stem, 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return stem, 0, false
	}
	return m[1], n, true
}

// NextDerivative returns the path for the next version of name in dir.
// "Take" becomes "Take(1)", "Take(1)" becomes "Take(2)", and the counter
// keeps rising while the candidate stem is taken.
func NextDerivative(dir, name, ext string) (string, error) {
	stem := Stem(name)
	if err := validate(stem); err != nil {
		return "", err
	}
	taken, err := stems(dir)
	if err != nil {
		return "", err
	}

	base, n, _ := SplitCounter(stem)
	base = strings.TrimSpace(base)
	for i := n + 1; i < MaxProbe; i++ {
		candidate := fmt.Sprintf("%s(%d)", base, i)
		if _, used := taken[candidate]; !used {
			return filepath.Join(dir, candidate+ext), nil
		}
	}
	return "", ErrCollisionExhausted
}

// ResolveRename returns the path for a user-chosen name in dir. The name
// is used verbatim when free; otherwise "(1)", "(2)", ... is appended.
// A trailing ext on name is not repeated.
func ResolveRename(dir, name, ext string) (string, error) {
	name = strings.TrimSpace(name)
	if ext != "" && strings.EqualFold(filepath.Ext(name), ext) {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	if err := validate(name); err != nil {
		return "", err
	}
	for _, prefix := range ReservedPrefixes {
		if strings.HasPrefix(strings.ToLower(name), prefix) {
			return "", fmt.Errorf("%w: %q is reserved for temporary files", ErrInvalidName, name)
		}
	}
	taken, err := stems(dir)
	if err != nil {
		return "", err
	}

	if _, used := taken[name]; !used {
		return filepath.Join(dir, name+ext), nil
	}
	for i := 1; i < MaxProbe; i++ {
		candidate := fmt.Sprintf("%s(%d)", name, i)
		if _, used := taken[candidate]; !used {
			return filepath.Join(dir, candidate+ext), nil
		}
	}
	return "", ErrCollisionExhausted
}

func validate(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// stems lists the stems of every entry in dir.
func stems(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	taken := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		taken[Stem(e.Name())] = struct{}{}
	}
	return taken, nil
}
