package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// Set is the compiled result of one or more rule sources.
type Set struct {
	Rules []Rule
	Files []string
}

// Names returns rule names in registration order.
func (s *Set) Names() []string {
	names := make([]string, len(s.Rules))
	for i, r := range s.Rules {
		names[i] = r.Name
	}
	return names
}

// CompileString compiles a single CUE source. filename only labels
// positions in errors.
func CompileString(src, filename string) ([]Rule, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	return Compile(v)
}

// LoadFiles compiles each file on its own and concatenates the rules in
// argument order. A handler name declared in two files is an error.
func LoadFiles(paths ...string) (*Set, error) {
	ctx := cuecontext.New()
	set := &Set{}
	seen := make(map[string]string)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rules: %w", err)
		}
		rs, err := Compile(ctx.CompileBytes(data, cue.Filename(path)))
		if err != nil {
			return nil, err
		}
		for _, r := range rs {
			if prev, dup := seen[r.Name]; dup {
				return nil, &CompileError{
					Field:   r.Name,
					Message: fmt.Sprintf("handler already declared in %s", prev),
					Pos:     r.Pos,
				}
			}
			seen[r.Name] = path
		}
		set.Rules = append(set.Rules, rs...)
		set.Files = append(set.Files, path)
	}
	return set, nil
}

// LoadDir loads the CUE package in dir and compiles its handlers. All
// files must share a package clause.
func LoadDir(dir string) (*Set, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("rules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rules directory: not a directory: %s", dir)
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scan rules directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	v := cuecontext.New().BuildInstance(inst)
	rs, err := Compile(v)
	if err != nil {
		return nil, err
	}
	return &Set{Rules: rs, Files: files}, nil
}

// FindCUEFiles returns the .cue files directly inside dir, sorted.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
