// Package project resolves per-project metadata used when building a plan.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MetadataFile is the per-project metadata document.
const MetadataFile = "project.yaml"

// Resolver returns the platform detection key for a project.
// An empty string means the platform is unknown.
type Resolver interface {
	Platform(projectID string) string
}

// Metadata is the content of project.yaml.
type Metadata struct {
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"`
	Language string `yaml:"language"`
}

// markers maps files found in a project's source tree to a platform key.
var markers = []struct {
	file     string
	platform string
}{
	{"go.mod", "go"},
	{"Configuration.xml", "1c"},
}

// FileResolver reads metadata from <Root>/<project>/project.yaml and falls
// back to marker files under <Root>/<project>/src.
type FileResolver struct {
	Root string
}

// NewFileResolver creates a resolver rooted at the projects directory.
func NewFileResolver(root string) *FileResolver {
	return &FileResolver{Root: root}
}

// Platform implements Resolver.
func (r *FileResolver) Platform(projectID string) string {
	if projectID == "" {
		return ""
	}
	if md, err := r.Metadata(projectID); err == nil {
		if p := normalize(md.Platform); p != "" {
			return p
		}
		if p := normalize(md.Language); p != "" {
			return p
		}
	}
	return r.detect(projectID)
}

// Metadata loads project.yaml for the project.
func (r *FileResolver) Metadata(projectID string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(r.Root, projectID, MetadataFile))
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MetadataFile, err)
	}
	return &md, nil
}

func (r *FileResolver) detect(projectID string) string {
	src := filepath.Join(r.Root, projectID, "src")
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(src, m.file)); err == nil {
			return m.platform
		}
	}
	return ""
}

func normalize(s string) string {
	switch p := strings.ToLower(strings.TrimSpace(s)); p {
	case "golang":
		return "go"
	case "1c:enterprise", "1c-enterprise", "onec":
		return "1c"
	default:
		return p
	}
}

// Static is a Resolver with a fixed answer.
type Static string

// Platform implements Resolver.
func (s Static) Platform(string) string { return normalize(string(s)) }
