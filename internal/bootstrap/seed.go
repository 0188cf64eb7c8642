// Package bootstrap seeds agent scaffold files from embedded templates.
package bootstrap

import (
	"embed"
	"os"
	"path/filepath"
	"strings"
)

//go:embed templates/*
var templateFS embed.FS

// Scaffold file names inside an agent directory.
const (
	IdentityFile = "identity.md"
	ConfigFile   = "config.json"
)

// scaffoldFiles lists the templates every agent directory receives.
var scaffoldFiles = []string{IdentityFile, ConfigFile}

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureAgentFiles seeds the scaffold templates into an agent directory,
// substituting {{AGENT_ID}} with the agent's id. Only writes files that
// don't already exist (will not overwrite). Returns the files created.
func EnsureAgentFiles(agentDir, agentID string) ([]string, error) {
	if err := os.MkdirAll(agentDir, 0755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range scaffoldFiles {
		ok, err := seedTemplate(agentDir, name, agentID)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedTemplate writes one template into the agent directory if it doesn't
// exist. Returns true if the file was created.
func seedTemplate(agentDir, name, agentID string) (bool, error) {
	content, err := ReadTemplate(name)
	if err != nil {
		return false, err
	}
	content = strings.ReplaceAll(content, "{{AGENT_ID}}", agentID)

	f, err := os.OpenFile(filepath.Join(agentDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return false, err
	}
	return true, nil
}
