// Package conductor reads the project context and multi-step plan files
// the agent maintains under .autoloop/. The supervisor consults it
// read-only; the only write is marking a plan task complete after a
// verified pass.
package conductor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	contextDirName = "context"
	plansDirName   = "plans"
)

// checkboxRe matches a markdown task line: "- [ ] text" or "- [x] text",
// with "*" accepted in place of "-".
var checkboxRe = regexp.MustCompile(`^(\s*[-*]\s*\[)([ xX])(\]\s*)(.*)$`)

// Task is one checkbox line in a plan file.
type Task struct {
	// Line is the zero-based line number in the plan file.
	Line int

	Text string
	Done bool
}

// Conductor resolves context and plan state for one project root.
type Conductor struct {
	// dir is the .autoloop directory holding context/ and plans/.
	dir string
}

// New creates a conductor over the given .autoloop directory.
func New(autoloopDir string) *Conductor {
	return &Conductor{dir: autoloopDir}
}

// ContextExists reports whether project context has been set up: the
// context directory exists and holds at least one file.
func (c *Conductor) ContextExists() bool {
	entries, err := os.ReadDir(filepath.Join(c.dir, contextDirName))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() {
			return true
		}
	}
	return false
}

// ActiveTrack returns the path of the first plan file (sorted by name)
// that still has an incomplete task, or "" when no plan is active. A
// missing plans directory is not an error.
func (c *Conductor) ActiveTrack() (string, error) {
	plansDir := filepath.Join(c.dir, plansDirName)
	entries, err := os.ReadDir(plansDir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read plans directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(plansDir, name)
		tasks, perr := ParsePlan(path)
		if perr != nil {
			return "", perr
		}
		if NextTask(tasks) != nil {
			return path, nil
		}
	}
	return "", nil
}

// HasIncompleteTask reports whether any plan has unfinished work.
func (c *Conductor) HasIncompleteTask() (bool, error) {
	track, err := c.ActiveTrack()
	if err != nil {
		return false, err
	}
	return track != "", nil
}

// CompleteNextTask marks the first incomplete task of the active plan
// done, reporting whether a task was marked. Called after a verified
// pass; the only write this package performs.
func (c *Conductor) CompleteNextTask() (bool, error) {
	track, err := c.ActiveTrack()
	if err != nil {
		return false, err
	}
	if track == "" {
		return false, nil
	}

	tasks, err := ParsePlan(track)
	if err != nil {
		return false, err
	}
	next := NextTask(tasks)
	if next == nil {
		return false, nil
	}
	if err := MarkTaskComplete(track, *next); err != nil {
		return false, err
	}
	return true, nil
}

// ParsePlan extracts the checkbox tasks from a markdown plan file, in
// file order. Non-checkbox lines are ignored.
func ParsePlan(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}

	var tasks []Task
	for i, line := range strings.Split(string(data), "\n") {
		m := checkboxRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		tasks = append(tasks, Task{
			Line: i,
			Text: strings.TrimSpace(m[4]),
			Done: m[2] != " ",
		})
	}
	return tasks, nil
}

// NextTask returns the first incomplete task, or nil when the plan is
// finished.
func NextTask(tasks []Task) *Task {
	for i := range tasks {
		if !tasks[i].Done {
			return &tasks[i]
		}
	}
	return nil
}

// MarkTaskComplete flips the task's checkbox on its recorded line and
// rewrites the plan file. The rest of the file is preserved byte for
// byte.
func MarkTaskComplete(path string, task Task) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read plan %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	if task.Line < 0 || task.Line >= len(lines) {
		return fmt.Errorf("task line %d out of range for plan %s", task.Line, path)
	}

	m := checkboxRe.FindStringSubmatch(lines[task.Line])
	if m == nil {
		return fmt.Errorf("line %d of plan %s is not a task", task.Line, path)
	}
	lines[task.Line] = m[1] + "x" + m[3] + m[4]

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat plan %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), info.Mode()); err != nil {
		return fmt.Errorf("failed to write plan %s: %w", path, err)
	}
	return nil
}
