// Package worker defines the closed set of worker kinds, the Job they are
// handed and the registry that builds and executes jobs per kind.
package worker

import (
	"fmt"
	"strings"
)

// Kind is a worker kind. The set is closed; see Kinds.
type Kind string

const (
	KindDateTime     Kind = "datetime"
	KindWeather      Kind = "weather"
	KindCalendar     Kind = "calendar"
	KindMath         Kind = "math"
	KindTodoList     Kind = "todo_list"
	KindReceptionist Kind = "receptionist"
)

// Kinds lists every worker kind in display order.
var Kinds = []Kind{KindDateTime, KindWeather, KindCalendar, KindMath, KindTodoList, KindReceptionist}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) String() string { return string(k) }

// Label is the human-readable option shown in disambiguation prompts.
func (k Kind) Label() string {
	switch k {
	case KindDateTime:
		return "Date and time"
	case KindWeather:
		return "Weather"
	case KindCalendar:
		return "Calendar"
	case KindMath:
		return "Math"
	case KindTodoList:
		return "Todo list"
	case KindReceptionist:
		return "General question"
	}
	return string(k)
}

// ParseKind accepts a kind name or its label, case-insensitively.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, k := range Kinds {
		if s == string(k) || s == strings.ToLower(k.Label()) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown worker kind %q", s)
}

var commandAliases = map[string]Kind{
	"date":          KindDateTime,
	"time":          KindDateTime,
	"date and time": KindDateTime,
	"datetime":      KindDateTime,
	"weather":       KindWeather,
	"forecast":      KindWeather,
	"calendar":      KindCalendar,
	"schedule":      KindCalendar,
	"math":          KindMath,
	"calculator":    KindMath,
	"calculate":     KindMath,
	"todo":          KindTodoList,
	"todo list":     KindTodoList,
	"todo_list":     KindTodoList,
	"receptionist":  KindReceptionist,
	"general":       KindReceptionist,
	"chat":          KindReceptionist,
}

const agenticPrefix = "agent"

// Command is a parsed router decision.
type Command struct {
	Raw  string
	Kind Kind
	// Agentic commands are router guesses that need the user to confirm.
	Agentic bool
	// Known is false when the command named no worker.
	Known bool
}

// ParseCommand maps a router command to a worker kind. Commands of the form
// "agent <name>" or "agent:<name>" are agentic.
func ParseCommand(command string) Command {
	raw := strings.TrimSpace(command)
	c := Command{Raw: raw}
	name := strings.ToLower(raw)

	if rest, ok := strings.CutPrefix(name, agenticPrefix); ok && (rest == "" || rest[0] == ' ' || rest[0] == ':') {
		c.Agentic = true
		name = strings.TrimLeft(rest, " :")
		name = strings.TrimPrefix(name, "router go to ")
	}
	name = strings.Join(strings.Fields(strings.ReplaceAll(name, "-", " ")), " ")

	if k, ok := commandAliases[name]; ok {
		c.Kind, c.Known = k, true
	}
	return c
}

// confusableGroups are kinds users and routers mix up.
var confusableGroups = [][]Kind{
	{KindDateTime, KindCalendar, KindTodoList},
	{KindWeather, KindReceptionist},
	{KindMath, KindReceptionist},
}

// Confusable returns the kinds commonly mistaken for k, excluding k, in a
// stable order. An unknown kind is confusable with every kind.
func Confusable(k Kind) []Kind {
	if !k.Valid() {
		return append([]Kind(nil), Kinds...)
	}
	seen := map[Kind]bool{k: true}
	var out []Kind
	for _, group := range confusableGroups {
		member := false
		for _, g := range group {
			if g == k {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		for _, g := range group {
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	return out
}
