// Package wire defines a tagged variant for control-socket requests, per
// spec.md §9's design note: parsing happens once, at the socket boundary,
// into this type; every other package works with the tagged Command
// instead of re-parsing command text.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Verb identifies a control-socket command, per spec.md §4.8.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbStatus
	VerbCapabilities
	VerbTree
	VerbSimulateRemove
	VerbGraph
	VerbLogs
	VerbPoll
	VerbUpgrade
	VerbCheckpoint
	VerbRestore
	VerbCheckpointList
	VerbCheckpointRemove
	VerbMigrate
	VerbCycles
	VerbMetrics
	VerbValidate
	VerbKexec
)

var verbNames = map[string]Verb{
	"status":            VerbStatus,
	"capabilities":      VerbCapabilities,
	"tree":              VerbTree,
	"simulate-remove":   VerbSimulateRemove,
	"graph":             VerbGraph,
	"logs":              VerbLogs,
	"poll":              VerbPoll,
	"upgrade":           VerbUpgrade,
	"checkpoint":        VerbCheckpoint,
	"restore":           VerbRestore,
	"checkpoint-list":   VerbCheckpointList,
	"checkpoint-remove": VerbCheckpointRemove,
	"migrate":           VerbMigrate,
	"cycles":            VerbCycles,
	"metrics":           VerbMetrics,
	"validate":          VerbValidate,
	"kexec":             VerbKexec,
}

// Command is a fully parsed control-socket request: a verb plus its
// arguments, already pulled apart from the wire's line-oriented text so
// every handler works against typed fields instead of re-splitting
// strings.
type Command struct {
	Verb      Verb
	Component string // most commands take a single component name
	Lines     int    // VerbLogs: number of trailing lines to return, 0 = default
	DryRun    bool   // VerbKexec
	KeepCount int    // no verb's syntax carries a keep count; Parse leaves it 0
}

// ErrUnknownVerb is returned by Parse when the first token does not match
// any known command verb.
type ErrUnknownVerb struct{ Verb string }

func (e *ErrUnknownVerb) Error() string {
	return fmt.Sprintf("wire: unknown command %q", e.Verb)
}

// Parse converts one line of control-socket request text into a Command.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, &ErrUnknownVerb{Verb: ""}
	}
	verb, ok := verbNames[fields[0]]
	if !ok {
		return Command{}, &ErrUnknownVerb{Verb: fields[0]}
	}
	cmd := Command{Verb: verb}
	rest := fields[1:]

	switch verb {
	case VerbStatus, VerbCapabilities, VerbGraph, VerbCycles, VerbMetrics, VerbValidate:
		// no arguments

	case VerbKexec:
		for _, f := range rest {
			if f == "--dry-run" {
				cmd.DryRun = true
			} else {
				cmd.Component = f
			}
		}

	case VerbLogs:
		if len(rest) > 0 {
			cmd.Component = rest[0]
		}
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil {
				return Command{}, fmt.Errorf("wire: logs: invalid line count %q: %w", rest[1], err)
			}
			cmd.Lines = n
		}

	default:
		if len(rest) > 0 {
			cmd.Component = rest[0]
		}
	}

	return cmd, nil
}

var verbText = func() map[Verb]string {
	m := make(map[Verb]string, len(verbNames))
	for name, v := range verbNames {
		m[v] = name
	}
	return m
}()

// Render formats a Command back to wire text, for clients building
// requests.
func Render(c Command) string {
	name := verbText[c.Verb]
	var b strings.Builder
	b.WriteString(name)
	if c.Component != "" {
		b.WriteByte(' ')
		b.WriteString(c.Component)
	}
	if c.Verb == VerbLogs && c.Lines > 0 {
		fmt.Fprintf(&b, " %d", c.Lines)
	}
	if c.Verb == VerbKexec && c.DryRun {
		b.WriteString(" --dry-run")
	}
	return b.String()
}
