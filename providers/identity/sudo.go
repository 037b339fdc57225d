package identity

import (
	"context"
	"sort"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/dispatch"
)

// SudoNamespace is the path of the sudo rule namespace.
const SudoNamespace = "raven/identity/sudo"

// SudoRule grants a user, or every member of a group, the listed commands.
// Target is the sudoers subject: the username, or %group.
type SudoRule struct {
	Target   string   `json:"target"`
	User     string   `json:"user,omitempty"`
	Group    string   `json:"group,omitempty"`
	Hosts    []string `json:"hosts"`
	Commands []string `json:"commands"`
	NoPasswd bool     `json:"nopasswd"`
}

type sudoRuleInput struct {
	User     string   `json:"user,omitempty"`
	Group    string   `json:"group,omitempty"`
	Hosts    []string `json:"hosts,omitempty"`
	Commands []string `json:"commands,omitempty"`
	NoPasswd bool     `json:"nopasswd,omitempty"`
}

// subject resolves the rule target. Exactly one of user and group is set.
func (in sudoRuleInput) subject() (string, error) {
	switch {
	case in.User != "" && in.Group != "":
		return "", dispatch.Errorf(dispatch.ProviderCodeInvalidArgument, "a sudo rule names a user or a group, not both")
	case in.User != "":
		return in.User, nil
	case in.Group != "":
		return "%" + in.Group, nil
	}
	return "", dispatch.Errorf(dispatch.ProviderCodeInvalidArgument, "a sudo rule needs a user or a group")
}

// AddRule creates or replaces the rule of a user or group. Hosts and
// commands default to ALL.
func (d *Directory) AddRule(_ context.Context, in sudoRuleInput) (SudoRule, error) {
	target, err := in.subject()
	if err != nil {
		return SudoRule{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if in.User != "" {
		if _, ok := d.users[in.User]; !ok {
			return SudoRule{}, notFound("user", in.User)
		}
	} else if _, ok := d.groups[in.Group]; !ok {
		return SudoRule{}, notFound("group", in.Group)
	}
	rule := &SudoRule{
		Target:   target,
		User:     in.User,
		Group:    in.Group,
		Hosts:    orAll(dedupe(in.Hosts)),
		Commands: orAll(dedupe(in.Commands)),
		NoPasswd: in.NoPasswd,
	}
	d.rules[target] = rule
	return *rule, nil
}

func orAll(items []string) []string {
	if len(items) == 0 {
		return []string{"ALL"}
	}
	return items
}

type sudoTargetInput struct {
	User  string `json:"user,omitempty"`
	Group string `json:"group,omitempty"`
}

// RemoveRule deletes the rule of a user or group.
func (d *Directory) RemoveRule(_ context.Context, in sudoTargetInput) (bool, error) {
	target, err := sudoRuleInput{User: in.User, Group: in.Group}.subject()
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rules[target]; !ok {
		return false, dispatch.Errorf(dispatch.ProviderCodeNotFound, "no sudo rule for %q", target)
	}
	delete(d.rules, target)
	return true, nil
}

// ListRules returns every rule sorted by target.
func (d *Directory) ListRules(context.Context, empty) ([]SudoRule, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]SudoRule, 0, len(d.rules))
	for _, r := range d.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

func (d *Directory) sudoOps() []capability.Operation {
	to := capability.WithTimeout(opTimeout)
	return []capability.Operation{
		capability.Op(SudoNamespace, "addRule", d.AddRule, to, capability.WithIdempotent(),
			capability.WithArgs("user", "commands", "hosts", "nopasswd", "group"),
			capability.WithDescription("Grant a user or a group (by group name) the given commands; replaces an existing rule.")),
		capability.Op(SudoNamespace, "removeRule", d.RemoveRule, to,
			capability.WithDescription("Delete the rule of a user or a group.")),
		capability.Op(SudoNamespace, "listRules", d.ListRules, to, capability.WithIdempotent(),
			capability.WithDescription("Return every rule sorted by target.")),
	}
}
