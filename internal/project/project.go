// Package project holds the startup-time static table binding project
// name to its configuration: system prompt, topics, and generation
// defaults.
package project

import (
	"fmt"
	"os"

	"github.com/nugget/thane-gateway/internal/config"
	"github.com/nugget/thane-gateway/internal/llm"
)

// Project is an immutable, once-loaded tenant definition.
type Project struct {
	Name               string
	SystemPrompt       string
	InputTopic         string
	ReplyTopicTemplate string
	DefaultParams      llm.Params
}

// Registry is the static name -> Project table built at startup.
type Registry struct {
	projects map[string]Project
}

// Load builds a Registry from configured projects, reading any
// system_prompt_file entries from disk.
func Load(cfgs []config.ProjectConfig) (*Registry, error) {
	projects := make(map[string]Project, len(cfgs))

	for _, pc := range cfgs {
		systemPrompt := pc.SystemPrompt
		if pc.SystemPromptFile != "" {
			data, err := os.ReadFile(pc.SystemPromptFile)
			if err != nil {
				return nil, fmt.Errorf("project %q: read system_prompt_file: %w", pc.Name, err)
			}
			systemPrompt = string(data)
		}

		projects[pc.Name] = Project{
			Name:               pc.Name,
			SystemPrompt:       systemPrompt,
			InputTopic:         pc.InputTopic,
			ReplyTopicTemplate: pc.ReplyTopicTemplate,
			DefaultParams: llm.Params{
				Temperature:    *pc.Defaults.Temperature,
				TopP:           *pc.Defaults.TopP,
				MaxTokens:      *pc.Defaults.MaxTokens,
				EnableThinking: *pc.Defaults.EnableThinking,
			},
		}
	}

	return &Registry{projects: projects}, nil
}

// Lookup returns the project registered under name, and whether it was
// found. Lookup should never fail for a project the gateway has
// actually subscribed to.
func (r *Registry) Lookup(name string) (Project, bool) {
	p, ok := r.projects[name]
	return p, ok
}

// Names returns every configured project name, for subscribing to each
// one's input topic at startup.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	return names
}
