package treesitter

import (
	"path/filepath"
	"strings"
)

// DetectLanguage detects language from file extension. Returns an
// empty string for files without a known grammar; callers fall back
// to window chunking for those.
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js":
		return "javascript"
	case ".jsx":
		return "jsx"
	case ".ts":
		return "typescript"
	case ".tsx":
		return "tsx"
	case ".java":
		return "java"
	case ".rs":
		return "rust"
	}
	return ""
}
