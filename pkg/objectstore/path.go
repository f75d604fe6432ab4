package objectstore

import (
	"path"
	"strings"

	tlerrors "github.com/snapdaemon/tl/pkg/errors"
)

// unconditionalIgnorePrefixes are rejected at the path-normalization
// boundary regardless of any ignore configuration (spec §4.D, §4.I).
var unconditionalIgnorePrefixes = []string{".tl/", ".git/", ".jj/"}

// NormalizePath enforces the boundary contract every path-accepting entry
// point in this module applies (spec §4.D): relative, forward-slash
// separated, no "./" prefix, no ".." component, no absolute prefix. It
// also rejects the repo-metadata prefixes that must never be tracked.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidPathError{
			Path: p, Reason: "empty path",
		})
	}

	clean := strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(clean, "/") {
		return "", tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidPathError{
			Path: p, Reason: "absolute paths are not allowed",
		})
	}
	// Windows drive-letter absolute paths, e.g. "C:/foo".
	if len(clean) >= 2 && clean[1] == ':' {
		return "", tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidPathError{
			Path: p, Reason: "absolute paths are not allowed",
		})
	}

	cleaned := path.Clean(clean)
	cleaned = strings.TrimPrefix(cleaned, "./")
	if cleaned == "." {
		return "", tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidPathError{
			Path: p, Reason: "empty path",
		})
	}

	for _, part := range strings.Split(cleaned, "/") {
		if part == ".." {
			return "", tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidPathError{
				Path: p, Reason: `".." components are not allowed`,
			})
		}
	}

	if IsUnconditionallyIgnored(cleaned) {
		return "", tlerrors.New(tlerrors.KindValidation, &tlerrors.InvalidPathError{
			Path: p, Reason: "repository metadata paths are never tracked",
		})
	}

	return cleaned, nil
}

// IsUnconditionallyIgnored reports whether p falls under one of the
// built-in, non-overridable metadata prefixes (.tl/, .git/, .jj/). It
// lives here and pkg/ignore calls it, not the other way round, so that
// NormalizePath has no dependency on the richer ignore-rule engine —
// the object store must reject these paths even if ignore rules were
// never loaded.
func IsUnconditionallyIgnored(cleaned string) bool {
	withSlash := cleaned + "/"
	for _, prefix := range unconditionalIgnorePrefixes {
		if withSlash == prefix || strings.HasPrefix(withSlash, prefix) {
			return true
		}
	}
	return false
}
