package fileset

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"

	"github.com/saworbit/logchurn/internal/platform"
)

// Naming describes the file naming convention of a churned directory:
// <Prefix><N><Ext>, where N is a non-negative decimal integer.
type Naming struct {
	Prefix string
	Ext    string
}

// DefaultNaming is the log_<N>.txt convention.
var DefaultNaming = Naming{Prefix: "log_", Ext: ".txt"}

// Name returns the file name for index n.
func (n Naming) Name(index int) string {
	return n.Prefix + strconv.Itoa(index) + n.Ext
}

// ParseIndex extracts the numeric suffix from name. Names that do not follow
// the convention report false and are ignored by the rest of the package.
func (n Naming) ParseIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, n.Prefix) || !strings.HasSuffix(name, n.Ext) {
		return 0, false
	}
	digits := name[len(n.Prefix) : len(name)-len(n.Ext)]
	if digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	idx, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return idx, true
}

func (n Naming) pattern() string {
	return escapeGlob(n.Prefix) + "*" + escapeGlob(n.Ext)
}

// Dir is a directory holding a conforming file set.
type Dir struct {
	root   string
	naming Naming
}

// NewDir binds a Dir to root using the given naming convention.
func NewDir(root string, naming Naming) *Dir {
	return &Dir{root: root, naming: naming}
}

// Root returns the directory path.
func (d *Dir) Root() string { return d.root }

// Naming returns the convention the directory was opened with.
func (d *Dir) Naming() Naming { return d.naming }

// Path joins name onto the directory root.
func (d *Dir) Path(name string) string {
	return platform.LongPath(filepath.Join(d.root, name))
}

// Ensure creates the directory if it does not exist. Existing content is
// left untouched.
func (d *Dir) Ensure() error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return errors.Wrapf(err, "create dir %s", d.root)
	}
	return nil
}

// Snapshot enumerates the conforming regular files currently present. The
// result is read fresh from disk on every call and is in no particular order.
func (d *Dir) Snapshot() ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(d.root), d.naming.pattern(), doublestar.WithFilesOnly())
	if err != nil {
		return nil, errors.Wrapf(err, "enumerate %s", d.root)
	}

	names := matches[:0]
	for _, m := range matches {
		if _, ok := d.naming.ParseIndex(m); ok {
			names = append(names, m)
		}
	}
	return names, nil
}

// MaxIndex returns the largest numeric suffix among names, or false when no
// name conforms.
func (d *Dir) MaxIndex(names []string) (int, bool) {
	max, found := 0, false
	for _, name := range names {
		idx, ok := d.naming.ParseIndex(name)
		if !ok {
			continue
		}
		if !found || idx > max {
			max, found = idx, true
		}
	}
	return max, found
}

// SortLexical orders names by their string value, so log_10.txt sorts
// before log_2.txt.
func SortLexical(names []string) {
	sort.Strings(names)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
