package validation

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/polisai/polis-guard/pkg/domain"
)

var drivePrefix = regexp.MustCompile(`^[A-Za-z]:`)

// AllowedExtensions returns the configured file extension allow-list.
func (v *Validator) AllowedExtensions() []string {
	return append([]string(nil), v.allowedExtensions...)
}

// MaxUploadSize returns the exclusive upper bound on upload content length.
func (v *Validator) MaxUploadSize() int64 {
	return v.maxUploadSize
}

// IsValidDirectoryPath reports whether the canonical form of path already is
// the absolute, cleaned, symlink-free path the filesystem resolves it to.
// Traversal segments, relative paths and alternate separators all diverge
// from their resolution and are rejected.
func (v *Validator) IsValidDirectoryPath(name, path string) bool {
	if path == "" {
		return false
	}

	canon, err := v.Canonicalize(name, path)
	if err != nil {
		return false
	}

	resolved, err := resolvePath(canon)
	if err != nil {
		v.fail(context.Background(), domain.KindValidation, ReasonPatternMismatch, name, "DirectoryName",
			"Invalid directory name", fmt.Sprintf("cannot resolve %q: %v", path, err))
		return false
	}

	if !strings.EqualFold(stripDrive(resolved), stripDrive(canon)) {
		v.fail(context.Background(), domain.KindValidation, ReasonPatternMismatch, name, "DirectoryName",
			"Invalid directory name", fmt.Sprintf("%q resolves to %q", path, resolved))
		return false
	}
	return true
}

// ValidateFileName checks that input names a single file with an allowed
// extension. A name whose resolved last segment differs from the literal
// input is reported as an intrusion. Backslash counts as a separator on every
// platform, since uploads may land on a Windows store.
func (v *Validator) ValidateFileName(name, input string) error {
	if input == "" {
		return v.fail(context.Background(), domain.KindValidation, ReasonInputMissing, name, "FileName",
			"Invalid file name", "file name is empty")
	}

	if strings.ContainsRune(input, 0) {
		return v.fail(context.Background(), domain.KindIntrusion, ReasonNullByte, name, "FileName",
			"Invalid file name", fmt.Sprintf("null byte in file name %q", input))
	}

	canon, err := v.Canonicalize(name, input)
	if err != nil {
		return err
	}

	resolved, err := filepath.Abs(canon)
	if err != nil || filepath.Base(resolved) != input || strings.ContainsRune(canon, '\\') {
		return v.fail(context.Background(), domain.KindIntrusion, ReasonFilenameMismatch, name, "FileName",
			"Invalid file name", fmt.Sprintf("%q does not resolve to itself", input))
	}

	lower := strings.ToLower(input)
	for _, ext := range v.allowedExtensions {
		if strings.HasSuffix(lower, ext) {
			return nil
		}
	}
	return v.fail(context.Background(), domain.KindValidation, ReasonExtensionNotAllowed, name, "FileName",
		"Invalid file name", fmt.Sprintf("%q does not have an allowed extension", input))
}

// IsValidFileName reports whether input is an acceptable file name. The error
// is non-nil only for intrusion signals; ordinary failures are just false.
func (v *Validator) IsValidFileName(name, input string) (bool, error) {
	err := v.ValidateFileName(name, input)
	if err == nil {
		return true, nil
	}
	if IsKind(err, domain.KindIntrusion) {
		return false, err
	}
	return false, nil
}

// IsValidFileContent reports whether content is under the upload size limit.
func (v *Validator) IsValidFileContent(name string, content []byte) bool {
	if int64(len(content)) >= v.maxUploadSize {
		v.fail(context.Background(), domain.KindValidation, ReasonMaxLength, name, "",
			"Invalid file content", fmt.Sprintf("%d bytes exceeds upload limit %d", len(content), v.maxUploadSize))
		return false
	}
	return true
}

// IsValidFileUpload checks directory, file name and content in that order and
// stops at the first failure.
func (v *Validator) IsValidFileUpload(name, dir, file string, content []byte) (bool, error) {
	if !v.IsValidDirectoryPath(name, dir) {
		return false, nil
	}
	if ok, err := v.IsValidFileName(name, file); !ok {
		return false, err
	}
	return v.IsValidFileContent(name, content), nil
}

func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if target, err := filepath.EvalSymlinks(abs); err == nil {
		return target, nil
	}
	return abs, nil
}

func stripDrive(path string) string {
	return drivePrefix.ReplaceAllString(path, "")
}
