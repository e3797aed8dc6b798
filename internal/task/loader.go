package task

import (
	"fmt"
	"maps"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is a decoded task list.
type File struct {
	// DefaultModel is the run-level model used when a task has no override.
	DefaultModel string
	Tasks        []Task
	// Run lists task ids in execution order.
	Run []string

	byID map[string]Task
}

type fileDocument struct {
	DefaultModel string      `yaml:"default_model"`
	Tasks        []yaml.Node `yaml:"tasks"`
	Run          []string    `yaml:"run"`
}

type kindHeader struct {
	Type string `yaml:"type"`
}

// LoadFile reads and decodes a task file.
func LoadFile(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("task file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	file, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// Decode parses YAML task declarations. Each task carries a type
// discriminator of chat or agent. When run is omitted every task runs in
// declaration order.
func Decode(data []byte) (*File, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode task file: %w", err)
	}

	tasks := make([]Task, 0, len(doc.Tasks))
	for i := range doc.Tasks {
		t, err := decodeTask(&doc.Tasks[i])
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	return NewFile(strings.TrimSpace(doc.DefaultModel), tasks, doc.Run)
}

func decodeTask(node *yaml.Node) (Task, error) {
	var header kindHeader
	if err := node.Decode(&header); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}

	var t Task
	switch Kind(strings.ToLower(strings.TrimSpace(header.Type))) {
	case KindChat:
		t = &ChatTask{}
	case KindAgent:
		t = &AgentTask{}
	default:
		return nil, &UnknownKindError{Kind: header.Type}
	}
	if err := node.Decode(t); err != nil {
		return nil, fmt.Errorf("decode %s task: %w", t.Kind(), err)
	}
	return t, nil
}

// NewFile indexes tasks by id. Ids must be unique and every run entry must
// name a known task.
func NewFile(defaultModel string, tasks []Task, run []string) (*File, error) {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		id := strings.TrimSpace(t.Base().ID)
		if id == "" {
			return nil, fmt.Errorf("%s task without id", t.Kind())
		}
		if _, exists := byID[id]; exists {
			return nil, fmt.Errorf("duplicate task id: %s", id)
		}
		byID[id] = t
	}

	if len(run) == 0 {
		run = make([]string, 0, len(tasks))
		for _, t := range tasks {
			run = append(run, t.Base().ID)
		}
	}
	for _, id := range run {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("run list references unknown task: %s", id)
		}
	}

	return &File{
		DefaultModel: defaultModel,
		Tasks:        tasks,
		Run:          append([]string(nil), run...),
		byID:         byID,
	}, nil
}

// Lookup returns the task with the given id.
func (f *File) Lookup(id string) (Task, bool) {
	t, ok := f.byID[id]
	return t, ok
}

// ByID returns a copy of the id index.
func (f *File) ByID() map[string]Task {
	return maps.Clone(f.byID)
}
