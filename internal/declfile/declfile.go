// Package declfile loads component declaration files from a directory.
//
// Declaration files use the bracketed-section, key=value grammar of
// spec.md §6, which is a subset of TOML; this package simply decodes that
// subset with github.com/BurntSushi/toml rather than hand-rolling a
// parser, and is treated as a thin boundary adapter (the grammar itself is
// a non-goal of the core, per spec.md §1). Files are read in
// lexicographic order; a file that fails to parse or validate is logged
// and skipped, it does not abort the load of the rest of the directory.
package declfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/opinit/opinit/internal/component"
)

// raw mirrors the on-disk grammar of spec.md §6 exactly; it is decoded by
// toml then translated into component.Declaration.
type raw struct {
	Component struct {
		Name   string   `toml:"name" validate:"required"`
		Binary string   `toml:"binary" validate:"required"`
		Type   string   `toml:"type" validate:"omitempty,oneof=service oneshot"`
		Args   []string `toml:"args"`
	} `toml:"component"`

	Provides struct {
		Capabilities []string `toml:"capabilities"`
	} `toml:"provides"`

	Requires struct {
		Capabilities []string `toml:"capabilities"`
	} `toml:"requires"`

	Optional struct {
		Capabilities []string `toml:"capabilities"`
	} `toml:"optional"`

	Lifecycle struct {
		ReloadSignal           string `toml:"reload_signal"`
		Handoff                string `toml:"handoff" validate:"omitempty,oneof=fd-passing checkpoint"`
		ReadinessFile          string `toml:"readiness_file"`
		ReadinessCheck         string `toml:"readiness_check"`
		ReadinessSignal        string `toml:"readiness_signal"`
		ReadinessTimeout       int    `toml:"readiness_timeout"`
		ReadinessInterval      int    `toml:"readiness_interval"`
		HealthCheck            string `toml:"health_check"`
		HealthInterval         int    `toml:"health_interval"`
		HealthTimeout          int    `toml:"health_timeout"`
		HealthFailThreshold    int    `toml:"health_fail_threshold"`
		HealthRestartThreshold int    `toml:"health_restart_threshold"`
	} `toml:"lifecycle"`

	Resources struct {
		Cgroup     string `toml:"cgroup"`
		MemoryMax  string `toml:"memory_max"`
		MemoryHigh string `toml:"memory_high"`
		CPUWeight  int    `toml:"cpu_weight"`
		CPUMax     string `toml:"cpu_max"`
		IOWeight   int    `toml:"io_weight"`
		PidsMax    int    `toml:"pids_max"`
	} `toml:"resources"`

	Isolation struct {
		Namespaces []string `toml:"namespaces"`
		Root       string   `toml:"root"`
		Hostname   string   `toml:"hostname"`
	} `toml:"isolation"`

	Checkpoint struct {
		Enabled        bool   `toml:"enabled"`
		PreserveFDs    []int  `toml:"preserve_fds"`
		LeaveRunning   bool   `toml:"leave_running"`
		MemoryEstimate int64  `toml:"memory_estimate"`
		MaxAge         int    `toml:"max_age"`
	} `toml:"checkpoint"`
}

var validate = validator.New()

// SkippedError describes one file that failed to load, without aborting
// the rest of the directory scan.
type SkippedError struct {
	Path string
	Err  error
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("declfile: skipping %s: %v", e.Path, e.Err)
}

func (e *SkippedError) Unwrap() error { return e.Err }

// Load reads every regular file directly inside dir, in lexicographic
// order, decoding each as a declaration. Per spec.md §4.2, a file that
// fails to parse or validate is reported via the skipped return value and
// otherwise ignored, it never aborts the load.
func Load(dir string) (decls []component.Declaration, skipped []*SkippedError, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("declfile: reading %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		decl, perr := loadOne(path)
		if perr != nil {
			skipped = append(skipped, &SkippedError{Path: path, Err: perr})
			continue
		}
		decls = append(decls, decl)
	}
	return decls, skipped, nil
}

func loadOne(path string) (component.Declaration, error) {
	var r raw
	if _, err := toml.DecodeFile(path, &r); err != nil {
		return component.Declaration{}, err
	}
	if err := validate.Struct(&r); err != nil {
		return component.Declaration{}, err
	}

	d := component.Declaration{
		Name:     r.Component.Name,
		Binary:   r.Component.Binary,
		Args:     r.Component.Args,
		Kind:     component.Service,
		Requires: r.Requires.Capabilities,
		Provides: r.Provides.Capabilities,
		Optional: r.Optional.Capabilities,

		ReloadSignal: r.Lifecycle.ReloadSignal,

		ReadinessTimeout:  durationOrDefault(r.Lifecycle.ReadinessTimeout, 30*time.Second),
		ReadinessInterval: durationOrDefault(r.Lifecycle.ReadinessInterval, time.Second),

		HealthCheck:            r.Lifecycle.HealthCheck,
		HealthInterval:         durationOrDefault(r.Lifecycle.HealthInterval, 10*time.Second),
		HealthTimeout:          durationOrDefault(r.Lifecycle.HealthTimeout, 10*time.Second),
		HealthFailThreshold:    intOrDefault(r.Lifecycle.HealthFailThreshold, 3),
		HealthRestartThreshold: intOrDefault(r.Lifecycle.HealthRestartThreshold, 5),

		Resources: component.Resources{
			Cgroup:     r.Resources.Cgroup,
			MemoryMax:  r.Resources.MemoryMax,
			MemoryHigh: r.Resources.MemoryHigh,
			CPUWeight:  clamp(r.Resources.CPUWeight, 1, 10000),
			CPUMax:     r.Resources.CPUMax,
			IOWeight:   clamp(r.Resources.IOWeight, 1, 10000),
			PidsMax:    r.Resources.PidsMax,
		},
		Isolation: component.Isolation{
			Namespaces: r.Isolation.Namespaces,
			Root:       r.Isolation.Root,
			Hostname:   r.Isolation.Hostname,
		},
		Checkpoint: component.CheckpointPolicy{
			Enabled:        r.Checkpoint.Enabled,
			PreserveFDs:    r.Checkpoint.PreserveFDs,
			LeaveRunning:   r.Checkpoint.LeaveRunning,
			MemoryEstimate: r.Checkpoint.MemoryEstimate,
			MaxAge:         time.Duration(r.Checkpoint.MaxAge) * time.Hour,
		},
	}

	if r.Component.Type == "oneshot" {
		d.Kind = component.Oneshot
	}

	switch {
	case r.Lifecycle.ReadinessFile != "":
		d.Readiness = component.ReadinessFile
		d.ReadinessParam = r.Lifecycle.ReadinessFile
	case r.Lifecycle.ReadinessCheck != "":
		d.Readiness = component.ReadinessCommand
		d.ReadinessParam = r.Lifecycle.ReadinessCheck
	case r.Lifecycle.ReadinessSignal != "":
		d.Readiness = component.ReadinessSignal
		d.ReadinessParam = r.Lifecycle.ReadinessSignal
	default:
		d.Readiness = component.ReadinessNone
	}

	switch r.Lifecycle.Handoff {
	case "fd-passing":
		d.Handoff = component.HandoffFDPassing
	case "checkpoint":
		d.Handoff = component.HandoffCheckpoint
	default:
		d.Handoff = component.HandoffNone
	}

	if r.Checkpoint.MaxAge == 0 {
		d.Checkpoint.MaxAge = 24 * time.Hour
	}

	return d, nil
}

func durationOrDefault(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v == 0 {
		return 0 // unset; isolation driver leaves the controller's default alone
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
