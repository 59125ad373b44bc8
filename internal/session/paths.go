package session

import "path/filepath"

// slugify converts a workspace path into the directory name the CLI uses
// under its projects dir: every byte outside [A-Za-z0-9] becomes '-'.
func slugify(path string) string {
	b := []byte(path)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			b[i] = '-'
		}
	}
	return string(b)
}

// SessionDir returns the CLI-owned directory of per-session JSONL files for
// a workspace.
func SessionDir(configDir, workspace string) string {
	return filepath.Join(configDir, "projects", slugify(workspace))
}

// SessionFilePath returns the JSONL path the CLI stores a session under.
func SessionFilePath(configDir, workspace, uuid string) string {
	return filepath.Join(SessionDir(configDir, workspace), uuid+".jsonl")
}
